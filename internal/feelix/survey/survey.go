// Package survey runs the admin-started satisfaction surveys. A survey is
// identified by its metric name; starting a metric again opens a new run
// and only the current run of a metric accepts answers.
//
// Each run asks four questions through inline buttons: three 1-5 scores
// and a final offer to leave written feedback.
package survey

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"log/slog"
	"strconv"
	"time"

	"golang.org/x/time/rate"

	"github.com/bdobrica/feelix/common/clock"
	"github.com/bdobrica/feelix/common/redact"
	"github.com/bdobrica/feelix/common/spec/profile"
	"github.com/bdobrica/feelix/internal/feelix/store"
	"github.com/bdobrica/feelix/internal/feelix/transport"
)

// ErrUnknownMetric is returned by Export for a metric that was never started.
var ErrUnknownMetric = errors.New("survey: unknown metric")

// DefaultSendInterval paces broadcasts to stay under chat network limits.
const DefaultSendInterval = 100 * time.Millisecond

// Survey is one run of a metric.
type Survey struct {
	Metric    string
	ID        string
	StartedAt time.Time
	StartedBy int64
}

// Outcome tells the caller what to do after an answer.
type Outcome struct {
	// Stale is set when the button belongs to a closed run; nothing was
	// recorded.
	Stale bool
	// Next is the question to ask now, or "" when the run is finished.
	Next Question
	// OpenFeedback asks the caller to collect one feedback message.
	OpenFeedback bool
}

// Service stores surveys and their answers.
type Service struct {
	db       *sql.DB
	texts    profile.Survey
	clock    clock.Clock
	interval time.Duration
	logger   *slog.Logger
}

// NewService creates a Service. interval <= 0 means DefaultSendInterval.
func NewService(db *sql.DB, texts profile.Survey, clk clock.Clock, interval time.Duration, logger *slog.Logger) *Service {
	if interval <= 0 {
		interval = DefaultSendInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{db: db, texts: texts, clock: clock.OrSystem(clk), interval: interval, logger: logger}
}

// Start opens a new run of metric, closing the previous one, and cancels
// every incomplete set of answers left in earlier runs of the metric.
func (s *Service) Start(ctx context.Context, metric string, startedBy int64) (Survey, error) {
	if err := ValidMetric(metric); err != nil {
		return Survey{}, err
	}
	now := s.clock.Now().UTC()
	sv := Survey{Metric: metric, ID: now.Format("20060102T150405.000"), StartedAt: now, StartedBy: startedBy}

	err := store.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `UPDATE surveys SET current = 0 WHERE metric = ? AND current = 1`, metric); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM survey_answers
			WHERE survey_id IN (SELECT survey_id FROM surveys WHERE metric = ?)
			  AND (survey_id, user_id) IN (
				SELECT survey_id, user_id FROM survey_answers
				GROUP BY survey_id, user_id HAVING COUNT(*) < 4)`, metric); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO surveys (survey_id, metric, started_at, started_by, current) VALUES (?, ?, ?, ?, 1)`,
			sv.ID, sv.Metric, now.UnixMilli(), startedBy)
		return err
	})
	if err != nil {
		return Survey{}, store.Wrap("start survey", err)
	}
	s.logger.Info("survey: started", "metric", metric, "survey_id", sv.ID)
	return sv, nil
}

// Current returns the open run of metric.
func (s *Service) Current(ctx context.Context, metric string) (Survey, bool, error) {
	var (
		sv      Survey
		started int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT survey_id, metric, started_at, started_by FROM surveys WHERE metric = ? AND current = 1`, metric,
	).Scan(&sv.ID, &sv.Metric, &started, &sv.StartedBy)
	if errors.Is(err, sql.ErrNoRows) {
		return Survey{}, false, nil
	}
	if err != nil {
		return Survey{}, false, store.Wrap("current survey", err)
	}
	sv.StartedAt = store.UnixMillis(started)
	return sv, true, nil
}

// Answer records one button press.
func (s *Service) Answer(ctx context.Context, userID int64, cb Callback) (Outcome, error) {
	cur, ok, err := s.Current(ctx, cb.Metric)
	if err != nil {
		return Outcome{}, err
	}
	if !ok || cur.ID != cb.SurveyID {
		return Outcome{Stale: true}, nil
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO survey_answers (survey_id, user_id, question, choice, answered_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(survey_id, user_id, question) DO UPDATE SET
			choice = excluded.choice, answered_at = excluded.answered_at`,
		cb.SurveyID, userID, string(cb.Question), cb.Choice, s.clock.Now().UnixMilli())
	if err != nil {
		return Outcome{}, store.Wrap("answer survey", err)
	}
	if cb.Question == Q4 && cb.Choice == ChoiceSend {
		return Outcome{OpenFeedback: true}, nil
	}
	return Outcome{Next: cb.Question.Next()}, nil
}

// Prompt builds the message asking q of sv.
func (s *Service) Prompt(sv Survey, q Question) transport.Message {
	text := ""
	if i := q.Index(); i >= 0 && i < len(s.texts.Questions) {
		text = s.texts.Questions[i]
	}
	button := func(label, choice string) transport.Button {
		return transport.Button{Label: label, Data: Callback{Metric: sv.Metric, SurveyID: sv.ID, Question: q, Choice: choice}.Data()}
	}
	var row []transport.Button
	if q == Q4 {
		row = []transport.Button{button(s.texts.Send, ChoiceSend), button(s.texts.Skip, ChoiceSkip)}
	} else {
		for i := 1; i <= 5; i++ {
			row = append(row, button(strconv.Itoa(i), strconv.Itoa(i)))
		}
	}
	return transport.Message{Text: text, Keyboard: &transport.Keyboard{Rows: [][]transport.Button{row}, Inline: true}}
}

// Thanks is the closing message sent after the last question.
func (s *Service) Thanks() string { return s.texts.Thanks }

// BroadcastResult counts the outcome of a broadcast.
type BroadcastResult struct {
	Sent        int
	Failed      int
	Unreachable []int64
}

// Broadcast sends the first question of sv to every recipient, one send
// per interval. It stops early when ctx is cancelled.
func (s *Service) Broadcast(ctx context.Context, sender transport.Sender, sv Survey, recipients []int64) (BroadcastResult, error) {
	limiter := rate.NewLimiter(rate.Every(s.interval), 1)
	msg := s.Prompt(sv, Q1)
	var res BroadcastResult
	for _, id := range recipients {
		if err := limiter.Wait(ctx); err != nil {
			return res, err
		}
		if err := sender.Send(ctx, id, msg); err != nil {
			res.Failed++
			if transport.IsUnreachable(err) {
				res.Unreachable = append(res.Unreachable, id)
			}
			s.logger.Debug("survey: broadcast send failed", "user", redact.UserTag(id), "err", err)
			continue
		}
		res.Sent++
	}
	s.logger.Info("survey: broadcast done", "metric", sv.Metric, "survey_id", sv.ID, "sent", res.Sent, "failed", res.Failed)
	return res, nil
}

// Export returns every run of metric as JSON:
// {"<survey id>": {"<user id>": {"q1": "5", ...}}}.
func (s *Service) Export(ctx context.Context, metric string) ([]byte, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT s.survey_id, a.user_id, a.question, a.choice
		FROM surveys s
		LEFT JOIN survey_answers a ON a.survey_id = s.survey_id
		WHERE s.metric = ?
		ORDER BY s.started_at, a.user_id, a.question`, metric)
	if err != nil {
		return nil, store.Wrap("export survey", err)
	}
	defer rows.Close()

	out := map[string]map[string]map[string]string{}
	for rows.Next() {
		var (
			surveyID string
			userID   sql.NullInt64
			question sql.NullString
			choice   sql.NullString
		)
		if err := rows.Scan(&surveyID, &userID, &question, &choice); err != nil {
			return nil, store.Wrap("export survey", err)
		}
		run, ok := out[surveyID]
		if !ok {
			run = map[string]map[string]string{}
			out[surveyID] = run
		}
		if !userID.Valid {
			continue
		}
		uid := strconv.FormatInt(userID.Int64, 10)
		if run[uid] == nil {
			run[uid] = map[string]string{}
		}
		run[uid][question.String] = choice.String
	}
	if err := rows.Err(); err != nil {
		return nil, store.Wrap("export survey", err)
	}
	if len(out) == 0 {
		return nil, ErrUnknownMetric
	}
	return json.MarshalIndent(out, "", "  ")
}
