package survey

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// CallbackPrefix starts the data of every survey button.
const CallbackPrefix = "metrics"

// Choices of the last question.
const (
	ChoiceSend = "send"
	ChoiceSkip = "skip"
)

// Question identifies one of the four survey questions.
type Question string

const (
	Q1 Question = "q1"
	Q2 Question = "q2"
	Q3 Question = "q3"
	Q4 Question = "q4"
)

// Questions lists the questions in the order they are asked.
var Questions = []Question{Q1, Q2, Q3, Q4}

// Next returns the question after q, or "" after the last one.
func (q Question) Next() Question {
	switch q {
	case Q1:
		return Q2
	case Q2:
		return Q3
	case Q3:
		return Q4
	}
	return ""
}

// Index is the zero-based position of q, or -1.
func (q Question) Index() int {
	for i, x := range Questions {
		if x == q {
			return i
		}
	}
	return -1
}

var metricPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,24}$`)

// ErrInvalidMetric is returned for metric names that cannot be embedded in
// button data.
var ErrInvalidMetric = errors.New("survey: metric must be 1-24 letters, digits, '-' or '_'")

// ValidMetric checks a metric name.
func ValidMetric(metric string) error {
	if !metricPattern.MatchString(metric) {
		return ErrInvalidMetric
	}
	return nil
}

// Callback is the decoded data of a survey button:
// "metrics|<metric>|<survey id>|<question>|<choice>".
type Callback struct {
	Metric   string
	SurveyID string
	Question Question
	Choice   string
}

// IsCallback reports whether data belongs to a survey button.
func IsCallback(data string) bool {
	return strings.HasPrefix(data, CallbackPrefix+"|")
}

// ParseCallback decodes and validates button data.
func ParseCallback(data string) (Callback, error) {
	parts := strings.Split(data, "|")
	if len(parts) != 5 || parts[0] != CallbackPrefix {
		return Callback{}, fmt.Errorf("survey: malformed callback %q", data)
	}
	cb := Callback{Metric: parts[1], SurveyID: parts[2], Question: Question(parts[3]), Choice: parts[4]}
	if err := ValidMetric(cb.Metric); err != nil {
		return Callback{}, err
	}
	if cb.SurveyID == "" {
		return Callback{}, fmt.Errorf("survey: callback without survey id")
	}
	switch cb.Question {
	case Q1, Q2, Q3:
		n, err := strconv.Atoi(cb.Choice)
		if err != nil || n < 1 || n > 5 {
			return Callback{}, fmt.Errorf("survey: %s choice must be 1-5, got %q", cb.Question, cb.Choice)
		}
	case Q4:
		if cb.Choice != ChoiceSend && cb.Choice != ChoiceSkip {
			return Callback{}, fmt.Errorf("survey: q4 choice must be %s or %s, got %q", ChoiceSend, ChoiceSkip, cb.Choice)
		}
	default:
		return Callback{}, fmt.Errorf("survey: unknown question %q", cb.Question)
	}
	return cb, nil
}

// Data encodes cb as button data.
func (cb Callback) Data() string {
	return strings.Join([]string{CallbackPrefix, cb.Metric, cb.SurveyID, string(cb.Question), cb.Choice}, "|")
}
