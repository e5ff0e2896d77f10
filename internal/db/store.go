package db

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/mice-scifi/adccal/internal/frontend"
	"github.com/mice-scifi/adccal/internal/poisson"
)

// ErrNotFound is returned when a run or channel is not in the store.
var ErrNotFound = errors.New("not found")

// Run outcomes.
const (
	OutcomeRunning   = "running"
	OutcomeSucceeded = "succeeded"
	OutcomeFailed    = "failed"
)

// Run is one invocation of a calibration command.
type Run struct {
	ID         uuid.UUID       `json:"id"`
	Command    string          `json:"command"`
	Directory  string          `json:"directory"`
	BaseDir    string          `json:"base_dir,omitempty"`
	StartedAt  time.Time       `json:"started_at"`
	FinishedAt *time.Time      `json:"finished_at,omitempty"`
	Outcome    string          `json:"outcome"`
	Summary    json.RawMessage `json:"summary,omitempty"`
	Error      string          `json:"error,omitempty"`
}

// StartRun records the start of a command on directory. baseDir is the
// calibration it was derived from, if any.
func (db *DB) StartRun(command, directory, baseDir string) (*Run, error) {
	run := &Run{
		ID:        uuid.New(),
		Command:   command,
		Directory: directory,
		BaseDir:   baseDir,
		StartedAt: db.Clock.Now().UTC(),
		Outcome:   OutcomeRunning,
	}
	_, err := db.Exec(
		`INSERT INTO calibration_runs (run_id, command, directory, base_dir, started_unix_nano, outcome)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		run.ID.String(), run.Command, run.Directory, nullString(baseDir), run.StartedAt.UnixNano(), run.Outcome,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to record run: %w", err)
	}
	return run, nil
}

// FinishRun marks run as finished. A non-nil runErr marks it failed. summary
// is stored as JSON.
func (db *DB) FinishRun(run *Run, summary interface{}, runErr error) error {
	now := db.Clock.Now().UTC()
	run.FinishedAt = &now
	run.Outcome = OutcomeSucceeded
	run.Error = ""
	if runErr != nil {
		run.Outcome = OutcomeFailed
		run.Error = runErr.Error()
	}
	run.Summary = nil
	if summary != nil {
		data, err := json.Marshal(summary)
		if err != nil {
			return fmt.Errorf("failed to encode run summary: %w", err)
		}
		run.Summary = data
	}

	res, err := db.Exec(
		`UPDATE calibration_runs SET finished_unix_nano = ?, outcome = ?, summary = ?, error = ? WHERE run_id = ?`,
		now.UnixNano(), run.Outcome, nullString(string(run.Summary)), nullString(run.Error), run.ID.String(),
	)
	if err != nil {
		return fmt.Errorf("failed to finish run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("run %s: %w", run.ID, ErrNotFound)
	}
	return nil
}

const runColumns = `run_id, command, directory, base_dir, started_unix_nano, finished_unix_nano, outcome, summary, error`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRun(row rowScanner) (Run, error) {
	var (
		r                     Run
		id                    string
		baseDir, summary, msg sql.NullString
		started               int64
		finished              sql.NullInt64
	)
	if err := row.Scan(&id, &r.Command, &r.Directory, &baseDir, &started, &finished, &r.Outcome, &summary, &msg); err != nil {
		return r, err
	}
	var err error
	if r.ID, err = uuid.Parse(id); err != nil {
		return r, fmt.Errorf("invalid run id %q: %w", id, err)
	}
	r.BaseDir = baseDir.String
	r.StartedAt = time.Unix(0, started).UTC()
	if finished.Valid {
		t := time.Unix(0, finished.Int64).UTC()
		r.FinishedAt = &t
	}
	if summary.Valid {
		r.Summary = json.RawMessage(summary.String)
	}
	r.Error = msg.String
	return r, nil
}

// Runs returns the most recent runs first. limit <= 0 returns all of them.
func (db *DB) Runs(limit int) ([]Run, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := db.Query(`SELECT `+runColumns+` FROM calibration_runs ORDER BY started_unix_nano DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	runs := []Run{}
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// GetRun returns the run with the given id.
func (db *DB) GetRun(id uuid.UUID) (*Run, error) {
	r, err := scanRun(db.QueryRow(`SELECT `+runColumns+` FROM calibration_runs WHERE run_id = ?`, id.String()))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// ChannelRecord is the stored summary of one channel in one run.
type ChannelRecord struct {
	ChannelUID   int                    `json:"channel_uid"`
	BankUID      int                    `json:"bank_uid"`
	BankChannel  int                    `json:"bank_channel"`
	InTracker    int                    `json:"in_tracker"`
	Tracker      int                    `json:"tracker"`
	Station      int                    `json:"station"`
	Plane        int                    `json:"plane"`
	PlaneChannel int                    `json:"plane_channel"`
	Status       frontend.ChannelStatus `json:"status"`
	ADCPedestal  float64                `json:"adc_pedestal"`
	ADCGain      float64                `json:"adc_gain"`
	LightYield   float64                `json:"light_yield"`
	DarkYield    float64                `json:"dark_yield"`
	Noise1PERate float64                `json:"noise_1pe_rate"`
	Noise2PERate float64                `json:"noise_2pe_rate"`
}

// IssueRecord is one stored channel issue.
type IssueRecord struct {
	ChannelUID int    `json:"channel_uid"`
	Severity   int    `json:"severity"`
	Issue      string `json:"issue"`
	Comment    string `json:"comment"`
}

// PoissonFitRecord is one stored joint fit.
type PoissonFitRecord struct {
	ChannelUID int            `json:"channel_uid"`
	Status     int            `json:"status"`
	Chi2       float64        `json:"chi2"`
	NDF        int            `json:"ndf"`
	Params     poisson.Params `json:"params"`
	Errors     poisson.Params `json:"errors"`
}

// RecordChannels stores the channels of run, replacing whatever the run
// stored before.
func (db *DB) RecordChannels(runID uuid.UUID, chans []frontend.Channel) (err error) {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	id := runID.String()
	for _, table := range []string{"channel_calibrations", "channel_issues", "poisson_fits"} {
		if _, err = tx.Exec(`DELETE FROM `+table+` WHERE run_id = ?`, id); err != nil {
			return fmt.Errorf("failed to clear %s: %w", table, err)
		}
	}

	chStmt, err := tx.Prepare(`INSERT INTO channel_calibrations (
			run_id, channel_uid, bank_uid, bank_channel, in_tracker, tracker, station, plane,
			plane_channel, status, adc_pedestal, adc_gain, light_yield, dark_yield,
			noise_1pe_rate, noise_2pe_rate
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer chStmt.Close()
	issueStmt, err := tx.Prepare(`INSERT INTO channel_issues (run_id, channel_uid, severity, issue, comment) VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer issueStmt.Close()
	fitStmt, err := tx.Prepare(`INSERT INTO poisson_fits (run_id, channel_uid, status, chi2, ndf, params, errors) VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer fitStmt.Close()

	for i := range chans {
		c := &chans[i]
		if _, err = chStmt.Exec(id, c.ChannelUID, c.BankUID, c.BankChannel, c.InTracker, c.Tracker, c.Station, c.Plane,
			c.PlaneChannel, string(c.Status), finite(c.ADCPedestal), finite(c.ADCGain), finite(c.LightYield), finite(c.DarkYield),
			finite(c.Noise1PERate), finite(c.Noise2PERate)); err != nil {
			return fmt.Errorf("failed to record channel %d: %w", c.ChannelUID, err)
		}
		for _, is := range c.Issues {
			if _, err = issueStmt.Exec(id, c.ChannelUID, is.Severity, is.Issue, is.Comment); err != nil {
				return fmt.Errorf("failed to record issue of channel %d: %w", c.ChannelUID, err)
			}
		}
		if f := c.InternalPoissonFit; f != nil {
			params, perr := json.Marshal(finiteParams(f.Params))
			if perr != nil {
				return perr
			}
			errs, perr := json.Marshal(finiteParams(f.Errors))
			if perr != nil {
				return perr
			}
			if _, err = fitStmt.Exec(id, c.ChannelUID, int(f.Status), finite(f.Chi2), f.NDF, string(params), string(errs)); err != nil {
				return fmt.Errorf("failed to record Poisson fit of channel %d: %w", c.ChannelUID, err)
			}
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit channels: %w", err)
	}
	return nil
}

const channelColumns = `channel_uid, bank_uid, bank_channel, in_tracker, tracker, station, plane, plane_channel,
	status, adc_pedestal, adc_gain, light_yield, dark_yield, noise_1pe_rate, noise_2pe_rate`

func scanChannel(row rowScanner) (ChannelRecord, error) {
	var c ChannelRecord
	var status string
	err := row.Scan(&c.ChannelUID, &c.BankUID, &c.BankChannel, &c.InTracker, &c.Tracker, &c.Station, &c.Plane,
		&c.PlaneChannel, &status, &c.ADCPedestal, &c.ADCGain, &c.LightYield, &c.DarkYield,
		&c.Noise1PERate, &c.Noise2PERate)
	c.Status = frontend.ChannelStatus(status)
	return c, err
}

// Channels returns the stored channels of a run in ChannelUID order.
func (db *DB) Channels(runID uuid.UUID) ([]ChannelRecord, error) {
	rows, err := db.Query(`SELECT `+channelColumns+` FROM channel_calibrations WHERE run_id = ? ORDER BY channel_uid`, runID.String())
	if err != nil {
		return nil, fmt.Errorf("failed to list channels: %w", err)
	}
	defer rows.Close()

	out := []ChannelRecord{}
	for rows.Next() {
		c, err := scanChannel(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// Channel returns one stored channel of a run.
func (db *DB) Channel(runID uuid.UUID, uid int) (*ChannelRecord, error) {
	c, err := scanChannel(db.QueryRow(`SELECT `+channelColumns+` FROM channel_calibrations WHERE run_id = ? AND channel_uid = ?`, runID.String(), uid))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run %s channel %d: %w", runID, uid, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// Issues returns the issues of a run with at least minSeverity, worst first.
func (db *DB) Issues(runID uuid.UUID, minSeverity int) ([]IssueRecord, error) {
	rows, err := db.Query(
		`SELECT channel_uid, severity, issue, comment FROM channel_issues
		 WHERE run_id = ? AND severity >= ? ORDER BY severity DESC, channel_uid, issue_id`,
		runID.String(), minSeverity,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list issues: %w", err)
	}
	defer rows.Close()

	out := []IssueRecord{}
	for rows.Next() {
		var is IssueRecord
		if err := rows.Scan(&is.ChannelUID, &is.Severity, &is.Issue, &is.Comment); err != nil {
			return nil, err
		}
		out = append(out, is)
	}
	return out, rows.Err()
}

// PoissonFits returns the stored joint fits of a run in ChannelUID order.
func (db *DB) PoissonFits(runID uuid.UUID) ([]PoissonFitRecord, error) {
	rows, err := db.Query(
		`SELECT channel_uid, status, chi2, ndf, params, errors FROM poisson_fits WHERE run_id = ? ORDER BY channel_uid`,
		runID.String(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list Poisson fits: %w", err)
	}
	defer rows.Close()

	out := []PoissonFitRecord{}
	for rows.Next() {
		var (
			f            PoissonFitRecord
			params, errs string
		)
		if err := rows.Scan(&f.ChannelUID, &f.Status, &f.Chi2, &f.NDF, &params, &errs); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(params), &f.Params); err != nil {
			return nil, fmt.Errorf("channel %d: invalid fit parameters: %w", f.ChannelUID, err)
		}
		if err := json.Unmarshal([]byte(errs), &f.Errors); err != nil {
			return nil, fmt.Errorf("channel %d: invalid fit errors: %w", f.ChannelUID, err)
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// finite replaces NaN and infinities, which neither SQLite nor JSON can hold,
// with zero.
func finite(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return v
}

func finiteParams(p poisson.Params) poisson.Params {
	for i := range p {
		p[i] = finite(p[i])
	}
	return p
}
