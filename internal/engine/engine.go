package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"reflect"
	"strings"
	"time"

	"hiraflow/internal/config"
	"hiraflow/internal/domain"
	"hiraflow/internal/engine/auth"
	"hiraflow/internal/hira"
	"hiraflow/internal/repo"
	"hiraflow/internal/suggest"
)

// Store is the persistence boundary for assessment operations. Every method
// applies its change atomically and returns the stored result.
type Store interface {
	CreateAssessment(ctx context.Context, a domain.Assessment) (domain.Assessment, error)
	FetchAssessment(ctx context.Context, companyID, id string) (domain.Assessment, error)
	PersistWorksheet(ctx context.Context, companyID, id string, expect domain.Status, rows []domain.WorksheetRow, ch domain.Change) (domain.Assessment, error)
	PersistTransition(ctx context.Context, companyID, id string, rec domain.TransitionRecord, payload map[string]any) (domain.Assessment, error)
	PersistActionUpdate(ctx context.Context, companyID, id string, expect domain.Status, index int, row domain.WorksheetRow, ch domain.Change) (domain.Assessment, error)
}

type Engine struct {
	DB          *sql.DB
	Repo        repo.Repo
	Store       Store
	Auth        auth.Service
	Suggestions *suggest.Tracker
	// Suggester overrides the provider built from company config.
	Suggester suggest.Provider
	Log       *log.Logger
	Now       func() time.Time
}

func New(db *sql.DB, logger *log.Logger) Engine {
	r := repo.New(db, time.Now)
	return Engine{
		DB:          db,
		Repo:        r,
		Store:       r,
		Auth:        auth.Service{Repo: r},
		Suggestions: suggest.NewTracker(logger),
		Log:         logger,
		Now:         time.Now,
	}
}

// WithClock returns a copy whose engine, repo and event timestamps all come
// from now.
func (e Engine) WithClock(now func() time.Time) Engine {
	e.Now = now
	e.Repo.Now = now
	e.Repo.Events.Now = now
	if r, ok := e.Store.(repo.Repo); ok {
		r.Now = now
		r.Events.Now = now
		e.Store = r
	}
	e.Auth.Repo = e.Repo
	return e
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) logger() *log.Logger {
	if e.Log != nil {
		return e.Log
	}
	return log.Default()
}

func (e Engine) store() Store {
	if e.Store != nil {
		return e.Store
	}
	return e.Repo
}

// CompanyConfig returns the stored config of a company, or the defaults when
// none was imported.
func (e Engine) CompanyConfig(ctx context.Context, companyID string) (*config.Config, error) {
	cfg, err := e.Repo.GetCompanyConfig(ctx, companyID)
	if errors.Is(err, repo.ErrNotFound) {
		return config.Default(companyID)
	}
	return cfg, err
}

func (e Engine) machine(cfg *config.Config) hira.Machine {
	return hira.Machine{Gate: hira.Gate{Policy: cfg.Policy()}, Now: e.now}
}

// session is the per-call state every assessment operation starts from.
type session struct {
	cfg     *config.Config
	machine hira.Machine
	actor   domain.Actor
	current domain.Assessment
}

func (e Engine) open(ctx context.Context, companyID, id string, actor domain.Actor) (session, error) {
	cfg, err := e.CompanyConfig(ctx, companyID)
	if err != nil {
		return session{}, err
	}
	resolved, err := e.Auth.ResolveActor(ctx, companyID, actor)
	if err != nil {
		return session{}, err
	}
	a, err := e.store().FetchAssessment(ctx, companyID, id)
	if err != nil {
		return session{}, err
	}
	return session{cfg: cfg, machine: e.machine(cfg), actor: resolved, current: a}, nil
}

// commit persists a machine result: through PersistTransition when the
// status moved, otherwise as a plain worksheet replacement.
func (e Engine) commit(ctx context.Context, s session, res hira.Result, change string, payload map[string]any) (domain.Assessment, error) {
	a := s.current
	if res.Moved() {
		if payload == nil {
			payload = map[string]any{}
		}
		if change != "" {
			payload["change"] = change
		}
		return e.store().PersistTransition(ctx, a.CompanyID, a.ID, res.Record(s.actor.ID, a.Status), payload)
	}
	return e.store().PersistWorksheet(ctx, a.CompanyID, a.ID, a.Status, res.Assessment.Rows, domain.Change{Event: change, ActorID: s.actor.ID, Payload: payload})
}

// CreateAssessment opens a draft assessment in the company.
func (e Engine) CreateAssessment(ctx context.Context, companyID string, actor domain.Actor, in hira.NewAssessment) (domain.Assessment, error) {
	if _, err := e.Repo.GetCompany(ctx, companyID); err != nil {
		return domain.Assessment{}, err
	}
	cfg, err := e.CompanyConfig(ctx, companyID)
	if err != nil {
		return domain.Assessment{}, err
	}
	resolved, err := e.Auth.ResolveActor(ctx, companyID, actor)
	if err != nil {
		return domain.Assessment{}, err
	}
	a, err := e.machine(cfg).Create(resolved, in)
	if err != nil {
		return domain.Assessment{}, err
	}
	a.CompanyID = companyID
	return e.store().CreateAssessment(ctx, a)
}

// Fetch loads an assessment by id, or by number when ref looks like one.
func (e Engine) Fetch(ctx context.Context, companyID, ref string) (domain.Assessment, error) {
	if strings.HasPrefix(ref, "HIRA-") {
		return e.Repo.FetchByNumber(ctx, companyID, ref)
	}
	return e.store().FetchAssessment(ctx, companyID, ref)
}

func (e Engine) ListAssessments(ctx context.Context, f repo.AssessmentFilters) ([]domain.Assessment, error) {
	return e.Repo.ListAssessments(ctx, f)
}

// View is an assessment with everything derived from it for one actor.
type View struct {
	Assessment         domain.Assessment   `json:"assessment"`
	Rows               []hira.ScoredRow    `json:"rows"`
	Summary            domain.Summary      `json:"summary"`
	Actions            []domain.ActionItem `json:"actions"`
	AllowedTransitions []hira.Transition   `json:"allowed_transitions"`
	CanEditRows        bool                `json:"can_edit_rows"`
	CanManageActions   bool                `json:"can_manage_actions"`
}

func (e Engine) View(ctx context.Context, companyID, id string, actor domain.Actor) (View, error) {
	s, err := e.open(ctx, companyID, id, actor)
	if err != nil {
		return View{}, err
	}
	now := e.now()
	a := s.current
	gate := s.machine.Gate
	return View{
		Assessment:         a,
		Rows:               hira.ScoreRows(a.Rows),
		Summary:            hira.Summarize(a, now),
		Actions:            hira.DeriveActions(a.Rows, now),
		AllowedTransitions: nonNilTransitions(gate.AllowedTransitions(a, s.actor)),
		CanEditRows:        gate.CanEditRow(a, s.actor),
		CanManageActions:   gate.CanManageActions(a, s.actor),
	}, nil
}

func nonNilTransitions(ts []hira.Transition) []hira.Transition {
	if ts == nil {
		return []hira.Transition{}
	}
	return ts
}

func (e Engine) Summary(ctx context.Context, companyID, id string) (domain.Summary, error) {
	a, err := e.store().FetchAssessment(ctx, companyID, id)
	if err != nil {
		return domain.Summary{}, err
	}
	return hira.Summarize(a, e.now()), nil
}

func (e Engine) Actions(ctx context.Context, companyID, id string) ([]domain.ActionItem, error) {
	a, err := e.store().FetchAssessment(ctx, companyID, id)
	if err != nil {
		return nil, err
	}
	return hira.DeriveActions(a.Rows, e.now()), nil
}

func (e Engine) AllowedTransitions(ctx context.Context, companyID, id string, actor domain.Actor) ([]hira.Transition, error) {
	s, err := e.open(ctx, companyID, id, actor)
	if err != nil {
		return nil, err
	}
	return nonNilTransitions(s.machine.Gate.AllowedTransitions(s.current, s.actor)), nil
}

func (e Engine) Assign(ctx context.Context, companyID, id string, actor domain.Actor, in hira.AssignInput) (domain.Assessment, error) {
	s, err := e.open(ctx, companyID, id, actor)
	if err != nil {
		return domain.Assessment{}, err
	}
	res, err := s.machine.Assign(s.current, s.actor, in)
	if err != nil {
		return domain.Assessment{}, err
	}
	return e.commit(ctx, s, res, "", map[string]any{"team": res.Assessment.Team, "due_date": in.DueDate})
}

func (e Engine) SaveWorksheet(ctx context.Context, companyID, id string, actor domain.Actor, rows []domain.WorksheetRow) (domain.Assessment, error) {
	s, err := e.open(ctx, companyID, id, actor)
	if err != nil {
		return domain.Assessment{}, err
	}
	res, err := s.machine.SaveWorksheet(s.current, s.actor, rows)
	if err != nil {
		return domain.Assessment{}, err
	}
	out, err := e.commit(ctx, s, res, "worksheet.saved", nil)
	if err != nil {
		return domain.Assessment{}, err
	}
	e.invalidateChanged(companyID, id, s.current.Rows, out.Rows)
	return out, nil
}

// AddRows inserts rows before position at; a negative at appends.
func (e Engine) AddRows(ctx context.Context, companyID, id string, actor domain.Actor, at int, rows []domain.WorksheetRow) (domain.Assessment, error) {
	s, err := e.open(ctx, companyID, id, actor)
	if err != nil {
		return domain.Assessment{}, err
	}
	res, err := s.machine.AddRows(s.current, s.actor, at, rows)
	if err != nil {
		return domain.Assessment{}, err
	}
	if at < 0 {
		at = len(s.current.Rows)
	}
	out, err := e.commit(ctx, s, res, "worksheet.rows_added", map[string]any{"position": at, "added": len(rows)})
	if err != nil {
		return domain.Assessment{}, err
	}
	e.invalidateFrom(companyID, id, at)
	return out, nil
}

func (e Engine) EditRow(ctx context.Context, companyID, id string, actor domain.Actor, index int, field hira.RowField, value string) (domain.Assessment, error) {
	s, err := e.open(ctx, companyID, id, actor)
	if err != nil {
		return domain.Assessment{}, err
	}
	res, err := s.machine.ApplyRowEdit(s.current, s.actor, index, field, value)
	if err != nil {
		return domain.Assessment{}, err
	}
	out, err := e.commit(ctx, s, res, "worksheet.row_edited", map[string]any{"index": index, "field": string(field)})
	if err != nil {
		return domain.Assessment{}, err
	}
	if e.Suggestions != nil {
		e.Suggestions.InvalidateRow(companyID, id, index)
	}
	return out, nil
}

func (e Engine) RemoveRow(ctx context.Context, companyID, id string, actor domain.Actor, index int) (domain.Assessment, error) {
	s, err := e.open(ctx, companyID, id, actor)
	if err != nil {
		return domain.Assessment{}, err
	}
	res, err := s.machine.RemoveRow(s.current, s.actor, index)
	if err != nil {
		return domain.Assessment{}, err
	}
	out, err := e.commit(ctx, s, res, "worksheet.row_removed", map[string]any{"index": index})
	if err != nil {
		return domain.Assessment{}, err
	}
	e.invalidateFrom(companyID, id, index)
	return out, nil
}

func (e Engine) invalidateFrom(companyID, id string, index int) {
	if e.Suggestions != nil {
		e.Suggestions.InvalidateFrom(companyID, id, index)
	}
}

// invalidateChanged drops suggestions only for rows a whole-worksheet save
// changed. When the row count changed, every row from the first difference
// on has shifted.
func (e Engine) invalidateChanged(companyID, id string, before, after []domain.WorksheetRow) {
	if e.Suggestions == nil {
		return
	}
	if len(before) != len(after) {
		first := min(len(before), len(after))
		for i := 0; i < first; i++ {
			if !reflect.DeepEqual(before[i], after[i]) {
				first = i
				break
			}
		}
		e.Suggestions.InvalidateFrom(companyID, id, first)
		return
	}
	for i := range after {
		if !reflect.DeepEqual(before[i], after[i]) {
			e.Suggestions.InvalidateRow(companyID, id, i)
		}
	}
}

// Complete submits the worksheet. Non-nil rows replace the worksheet in the
// same transaction.
func (e Engine) Complete(ctx context.Context, companyID, id string, actor domain.Actor, rows []domain.WorksheetRow) (domain.Assessment, error) {
	s, err := e.open(ctx, companyID, id, actor)
	if err != nil {
		return domain.Assessment{}, err
	}
	res, err := s.machine.Complete(s.current, s.actor, rows)
	if err != nil {
		return domain.Assessment{}, err
	}
	out, err := e.commit(ctx, s, res, "", map[string]any{"rows": len(res.Assessment.Rows)})
	if err != nil {
		return domain.Assessment{}, err
	}
	if rows != nil {
		e.invalidateChanged(companyID, id, s.current.Rows, out.Rows)
	}
	return out, nil
}

func (e Engine) Review(ctx context.Context, companyID, id string, actor domain.Actor, in hira.ReviewInput) (domain.Assessment, error) {
	s, err := e.open(ctx, companyID, id, actor)
	if err != nil {
		return domain.Assessment{}, err
	}
	res, err := s.machine.Review(s.current, s.actor, in)
	if err != nil {
		return domain.Assessment{}, err
	}
	payload := map[string]any{"comments": strings.TrimSpace(in.Comments)}
	if in.Rating != 0 {
		payload["rating"] = in.Rating
	}
	return e.commit(ctx, s, res, "", payload)
}

func (e Engine) AssignActions(ctx context.Context, companyID, id string, actor domain.Actor, assignments []hira.ActionAssignment) (domain.Assessment, error) {
	s, err := e.open(ctx, companyID, id, actor)
	if err != nil {
		return domain.Assessment{}, err
	}
	res, err := s.machine.AssignActions(s.current, s.actor, assignments)
	if err != nil {
		return domain.Assessment{}, err
	}
	return e.commit(ctx, s, res, "", map[string]any{"assignments": len(assignments)})
}

func (e Engine) BulkAssign(ctx context.Context, companyID, id string, actor domain.Actor, indices []int, owner string, targetDate *string) (domain.Assessment, error) {
	s, err := e.open(ctx, companyID, id, actor)
	if err != nil {
		return domain.Assessment{}, err
	}
	res, err := s.machine.BulkAssign(s.current, s.actor, indices, owner, targetDate)
	if err != nil {
		return domain.Assessment{}, err
	}
	return e.commit(ctx, s, res, "action.bulk_assigned", map[string]any{"indices": indices, "action_owner": strings.TrimSpace(owner)})
}

func (e Engine) UpdateAction(ctx context.Context, companyID, id string, actor domain.Actor, index int, in hira.ActionUpdate) (domain.Assessment, error) {
	s, err := e.open(ctx, companyID, id, actor)
	if err != nil {
		return domain.Assessment{}, err
	}
	res, err := s.machine.UpdateAction(s.current, s.actor, index, in)
	if err != nil {
		return domain.Assessment{}, err
	}
	return e.store().PersistActionUpdate(ctx, companyID, id, s.current.Status, index, res.Assessment.Rows[index],
		domain.Change{Event: "action.updated", ActorID: s.actor.ID})
}

// ProgressAction records the owner's progress on an action. When it
// completes the last open action the actions phase completes with it; the
// store decides that against the stored rows, so concurrent completions of
// the last two actions still move the assessment.
func (e Engine) ProgressAction(ctx context.Context, companyID, id string, actor domain.Actor, index int, in hira.ActionProgress) (domain.Assessment, error) {
	s, err := e.open(ctx, companyID, id, actor)
	if err != nil {
		return domain.Assessment{}, err
	}
	res, err := s.machine.ProgressAction(s.current, s.actor, index, in)
	if err != nil {
		return domain.Assessment{}, err
	}
	return e.store().PersistActionUpdate(ctx, companyID, id, s.current.Status, index, res.Assessment.Rows[index],
		domain.Change{Event: "action.progressed", ActorID: s.actor.ID})
}

func (e Engine) Close(ctx context.Context, companyID, id string, actor domain.Actor, in hira.CloseInput) (domain.Assessment, error) {
	s, err := e.open(ctx, companyID, id, actor)
	if err != nil {
		return domain.Assessment{}, err
	}
	res, err := s.machine.Close(s.current, s.actor, in)
	if err != nil {
		return domain.Assessment{}, err
	}
	pending := res.Assessment.Closure.PendingActions
	if pending > 0 {
		e.logger().Printf("WARNING: closing assessment %s with %d pending action(s)", s.current.AssessmentNumber, pending)
	}
	return e.commit(ctx, s, res, "", map[string]any{"pending_actions": pending})
}

// RequestSuggestions starts an advisory hazard suggestion for one row and
// returns immediately. Poll SuggestionResult for the outcome.
func (e Engine) RequestSuggestions(ctx context.Context, companyID, id string, actor domain.Actor, index int) (suggest.Result, error) {
	s, err := e.open(ctx, companyID, id, actor)
	if err != nil {
		return suggest.Result{}, err
	}
	if !s.machine.Gate.CanEditRow(s.current, s.actor) {
		return suggest.Result{}, &hira.Error{Kind: hira.KindForbidden, Op: "suggest", Message: fmt.Sprintf("actor %s may not edit this worksheet", s.actor.ID)}
	}
	rows := s.current.Rows
	if index < 0 || index >= len(rows) {
		return suggest.Result{}, &hira.Error{Kind: hira.KindInvalidInput, Op: "suggest", Field: "index", Message: fmt.Sprintf("row %d out of range", index)}
	}
	provider := e.provider(s.cfg)
	if provider == nil || e.Suggestions == nil {
		return suggest.Result{}, &hira.Error{Kind: hira.KindInvalidInput, Op: "suggest", Message: "suggestions are not configured for this company"}
	}
	row := rows[index]
	var existing []string
	for i, r := range rows {
		if i != index && r.TaskName == row.TaskName && strings.TrimSpace(r.HazardConcern) != "" {
			existing = append(existing, r.HazardConcern)
		}
	}
	if strings.TrimSpace(row.HazardConcern) != "" {
		existing = append(existing, row.HazardConcern)
	}
	key := suggest.Key{CompanyID: companyID, AssessmentID: id, Row: index}
	e.Suggestions.Request(key, provider, suggest.Request{
		CompanyID:       companyID,
		AssessmentID:    id,
		TaskName:        row.TaskName,
		ActivityService: row.ActivityService,
		ExistingHazards: existing,
	}, s.cfg.SuggestionTimeout())
	return e.Suggestions.Result(key), nil
}

// SuggestionResult polls the latest suggestion outcome for a row.
func (e Engine) SuggestionResult(ctx context.Context, companyID, id string, index int) (suggest.Result, error) {
	if _, err := e.store().FetchAssessment(ctx, companyID, id); err != nil {
		return suggest.Result{}, err
	}
	if e.Suggestions == nil {
		return suggest.Result{State: suggest.StateIdle}, nil
	}
	return e.Suggestions.Result(suggest.Key{CompanyID: companyID, AssessmentID: id, Row: index}), nil
}

func (e Engine) provider(cfg *config.Config) suggest.Provider {
	if e.Suggester != nil {
		return e.Suggester
	}
	if strings.TrimSpace(cfg.Suggestions.URL) == "" {
		return nil
	}
	return suggest.HTTPProvider{URL: cfg.Suggestions.URL, Token: cfg.Suggestions.Token}
}
