package survey_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bdobrica/feelix/common/clock"
	"github.com/bdobrica/feelix/common/spec/profile"
	"github.com/bdobrica/feelix/internal/feelix/store/storetest"
	"github.com/bdobrica/feelix/internal/feelix/survey"
	"github.com/bdobrica/feelix/internal/feelix/transport/transporttest"
)

func newService(t *testing.T) (*survey.Service, *clock.Manual) {
	t.Helper()
	db := storetest.New(t)
	clk := clock.NewManual(time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC))
	return survey.NewService(db.DB(), profile.Default().Survey, clk, time.Millisecond, nil), clk
}

func answer(t *testing.T, s *survey.Service, uid int64, sv survey.Survey, q survey.Question, choice string) survey.Outcome {
	t.Helper()
	out, err := s.Answer(context.Background(), uid, survey.Callback{Metric: sv.Metric, SurveyID: sv.ID, Question: q, Choice: choice})
	require.NoError(t, err)
	return out
}

func TestAnswer_WalksQuestions(t *testing.T) {
	s, _ := newService(t)
	sv, err := s.Start(context.Background(), "nps", 99)
	require.NoError(t, err)

	assert.Equal(t, survey.Outcome{Next: survey.Q2}, answer(t, s, 1, sv, survey.Q1, "5"))
	assert.Equal(t, survey.Outcome{Next: survey.Q3}, answer(t, s, 1, sv, survey.Q2, "4"))
	assert.Equal(t, survey.Outcome{Next: survey.Q4}, answer(t, s, 1, sv, survey.Q3, "3"))
	assert.Equal(t, survey.Outcome{}, answer(t, s, 1, sv, survey.Q4, survey.ChoiceSkip))
	assert.Equal(t, survey.Outcome{OpenFeedback: true}, answer(t, s, 2, sv, survey.Q4, survey.ChoiceSend))
}

func TestAnswer_StaleRun(t *testing.T) {
	s, clk := newService(t)
	ctx := context.Background()
	old, err := s.Start(ctx, "nps", 99)
	require.NoError(t, err)
	clk.Advance(time.Second)
	cur, err := s.Start(ctx, "nps", 99)
	require.NoError(t, err)
	require.NotEqual(t, old.ID, cur.ID)

	assert.True(t, answer(t, s, 1, old, survey.Q1, "5").Stale)
	assert.False(t, answer(t, s, 1, cur, survey.Q1, "5").Stale)

	got, ok, err := s.Current(ctx, "nps")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, cur.ID, got.ID)
}

func TestStart_CancelsIncompleteAnswers(t *testing.T) {
	s, clk := newService(t)
	ctx := context.Background()
	first, err := s.Start(ctx, "nps", 99)
	require.NoError(t, err)

	// User 1 completes the run, user 2 abandons it after one answer.
	for _, q := range []survey.Question{survey.Q1, survey.Q2, survey.Q3} {
		answer(t, s, 1, first, q, "5")
	}
	answer(t, s, 1, first, survey.Q4, survey.ChoiceSkip)
	answer(t, s, 2, first, survey.Q1, "2")

	clk.Advance(time.Minute)
	_, err = s.Start(ctx, "nps", 99)
	require.NoError(t, err)

	raw, err := s.Export(ctx, "nps")
	require.NoError(t, err)
	var got map[string]map[string]map[string]string
	require.NoError(t, json.Unmarshal(raw, &got))

	require.Len(t, got, 2)
	assert.Equal(t, map[string]string{"q1": "5", "q2": "5", "q3": "5", "q4": "skip"}, got[first.ID]["1"])
	assert.NotContains(t, got[first.ID], "2")
}

func TestExport_UnknownMetric(t *testing.T) {
	s, _ := newService(t)
	_, err := s.Export(context.Background(), "nope")
	assert.ErrorIs(t, err, survey.ErrUnknownMetric)
}

func TestPromptAndBroadcast(t *testing.T) {
	s, _ := newService(t)
	ctx := context.Background()
	sv, err := s.Start(ctx, "nps", 99)
	require.NoError(t, err)

	q1 := s.Prompt(sv, survey.Q1)
	require.NotNil(t, q1.Keyboard)
	assert.True(t, q1.Keyboard.Inline)
	require.Len(t, q1.Keyboard.Rows, 1)
	assert.Len(t, q1.Keyboard.Rows[0], 5)
	assert.Equal(t, "Rate Feelix from 1 to 5:", q1.Text)

	q4 := s.Prompt(sv, survey.Q4)
	require.Len(t, q4.Keyboard.Rows[0], 2)
	cb, err := survey.ParseCallback(q4.Keyboard.Rows[0][0].Data)
	require.NoError(t, err)
	assert.Equal(t, survey.ChoiceSend, cb.Choice)

	rec := transporttest.New()
	rec.Unreachable[3] = true
	res, err := s.Broadcast(ctx, rec, sv, []int64{1, 2, 3})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Sent)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, []int64{3}, res.Unreachable)
	assert.Equal(t, []string{q1.Text}, rec.Texts(1))
}

func TestStart_RejectsBadMetric(t *testing.T) {
	s, _ := newService(t)
	_, err := s.Start(context.Background(), "has space", 1)
	assert.ErrorIs(t, err, survey.ErrInvalidMetric)
}
