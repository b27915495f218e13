package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/oslerlabs/medrouter/internal/features"
	"github.com/oslerlabs/medrouter/internal/provider"
)

// commandSpec describes one generation command: how many items it defaults
// to and how the prompt is phrased.
type commandSpec struct {
	defaultCount int
	maxCount     int
	prompt       func(topic, difficulty string, count int) string
}

var commandSpecs = map[string]commandSpec{
	features.FeatureMCQ: {
		defaultCount: 5,
		maxCount:     20,
		prompt: func(topic, difficulty string, count int) string {
			return fmt.Sprintf("Generate %d single-best-answer multiple choice questions on %s "+
				"at %s difficulty. For each question give five options (A-E), mark the correct "+
				"answer and explain why it is correct and the others are not. Return JSON with a "+
				"\"questions\" array of {stem, options, correct, explanation}.",
				count, topic, difficulty)
		},
	},
	features.FeatureFlashcard: {
		defaultCount: 10,
		maxCount:     50,
		prompt: func(topic, difficulty string, count int) string {
			return fmt.Sprintf("Generate %d spaced-repetition flashcards on %s at %s difficulty. "+
				"Return JSON with a \"cards\" array of {front, back}.",
				count, topic, difficulty)
		},
	},
	features.FeatureClinicalCase: {
		defaultCount: 1,
		maxCount:     3,
		prompt: func(topic, difficulty string, count int) string {
			return fmt.Sprintf("Write %d clinical case vignettes about %s at %s difficulty: "+
				"presentation, history, examination findings, then a stepwise walkthrough of "+
				"investigations, diagnosis and management. Return JSON with a \"cases\" array.",
				count, topic, difficulty)
		},
	},
	features.FeatureOSCE: {
		defaultCount: 1,
		maxCount:     3,
		prompt: func(topic, difficulty string, count int) string {
			return fmt.Sprintf("Create %d OSCE station scripts on %s at %s difficulty: candidate "+
				"instructions, patient script, examiner mark scheme with weighted criteria. "+
				"Return JSON with a \"stations\" array.",
				count, topic, difficulty)
		},
	},
}

// CommandRequest is the JSON body for POST /api/commands/{feature}.
type CommandRequest struct {
	Topic      string `json:"topic"`
	Count      int    `json:"count,omitempty"`
	Difficulty string `json:"difficulty,omitempty"`
	Provider   string `json:"provider,omitempty"`
}

// CommandResponse carries the raw model output; clients parse the JSON the
// prompt asked for.
type CommandResponse struct {
	Feature     string `json:"feature"`
	Content     string `json:"content"`
	TokensUsed  int64  `json:"tokens_used"`
	UsedUserKey bool   `json:"used_user_key"`
	Attempts    int    `json:"attempts"`
}

func CommandHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user := userFrom(r)
		feature := chi.URLParam(r, "feature")
		spec, ok := commandSpecs[feature]
		if !ok {
			jsonError(w, http.StatusNotFound, codeNotFound, "unknown command "+feature)
			return
		}

		var req CommandRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			jsonError(w, http.StatusBadRequest, codeBadRequest, "bad json")
			return
		}
		if strings.TrimSpace(req.Topic) == "" {
			jsonError(w, http.StatusBadRequest, codeBadRequest, "topic required")
			return
		}
		if req.Count <= 0 {
			req.Count = spec.defaultCount
		}
		if req.Count > spec.maxCount {
			req.Count = spec.maxCount
		}
		if req.Difficulty == "" {
			req.Difficulty = "intermediate"
		}

		if !checkFeature(d, w, r, user, feature) {
			return
		}

		res, err := d.Engine.Route(r.Context(), user, req.Provider, provider.Request{
			Feature: feature,
			Messages: []provider.Message{
				{Role: "system", Content: "You create assessment material for medical students. Follow the output format exactly."},
				{Role: "user", Content: spec.prompt(req.Topic, req.Difficulty, req.Count)},
			},
		})
		if err != nil {
			writeRouteError(d, w, r, err)
			return
		}
		d.Quota.Record(r.Context(), user.ID, feature, res.TokensUsed)

		writeJSON(w, http.StatusOK, CommandResponse{
			Feature:     feature,
			Content:     res.Content,
			TokensUsed:  res.TokensUsed,
			UsedUserKey: res.UsedUserKey,
			Attempts:    res.Attempts,
		})
	}
}
