package classifier

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Sentence classes reported by the worker.
const (
	ClassQuestions = "questions"
	ClassCommands  = "commands"
	ClassChatty    = "chatty"
	ClassOther     = "other"
)

// classOrder is the tie-break order for Top.
var classOrder = []string{ClassQuestions, ClassCommands, ClassChatty, ClassOther}

// Classification is the parsed reply for one sentence.
type Classification struct {
	ID        string  `json:"id"`
	Sentence  string  `json:"sentence,omitempty"`
	Questions float64 `json:"questions"`
	Commands  float64 `json:"commands"`
	Chatty    float64 `json:"chatty"`
	Other     float64 `json:"other"`
}

// ParseClassification reads class probabilities from a reply body.
// Probabilities may be numbers or numeric strings; the Python worker
// stringifies them. At least one class must be present.
func ParseClassification(res *Result) (*Classification, error) {
	if res == nil {
		return nil, fmt.Errorf("%w: empty result", ErrInvalidReply)
	}

	c := &Classification{ID: res.ID}
	if s, ok := res.Body["sentence"].(string); ok {
		c.Sentence = s
	}

	found := 0
	for _, class := range classOrder {
		raw, ok := res.Body[class]
		if !ok || raw == nil {
			continue
		}
		score, err := parseScore(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrInvalidReply, class, err)
		}
		c.set(class, score)
		found++
	}

	if found == 0 {
		return nil, fmt.Errorf("%w: request %s: no class probabilities", ErrInvalidReply, res.ID)
	}
	return c, nil
}

func parseScore(v any) (float64, error) {
	switch x := v.(type) {
	case float64:
		return x, nil
	case float32:
		return float64(x), nil
	case json.Number:
		return x.Float64()
	case string:
		return strconv.ParseFloat(strings.TrimSpace(x), 64)
	case int64:
		return float64(x), nil
	case uint64:
		return float64(x), nil
	case int:
		return float64(x), nil
	default:
		return 0, fmt.Errorf("unexpected type %T", v)
	}
}

func (c *Classification) set(class string, score float64) {
	switch class {
	case ClassQuestions:
		c.Questions = score
	case ClassCommands:
		c.Commands = score
	case ClassChatty:
		c.Chatty = score
	case ClassOther:
		c.Other = score
	}
}

// Scores returns the probabilities keyed by class name.
func (c *Classification) Scores() map[string]float64 {
	return map[string]float64{
		ClassQuestions: c.Questions,
		ClassCommands:  c.Commands,
		ClassChatty:    c.Chatty,
		ClassOther:     c.Other,
	}
}

// Top returns the most probable class. Ties go to the earlier class in
// questions, commands, chatty, other order.
func (c *Classification) Top() (class string, score float64) {
	scores := c.Scores()
	class = classOrder[0]
	score = scores[class]
	for _, k := range classOrder[1:] {
		if scores[k] > score {
			class, score = k, scores[k]
		}
	}
	return class, score
}
