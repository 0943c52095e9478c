package flow

import (
	"context"

	"github.com/BTreeMap/TurnPipe/internal/models"
)

// MockClassifier is a scripted classifier for tests.
type MockClassifier struct {
	Result *models.NLUResult
	Err    error

	Calls    int
	LastText string
	LastTask string
	LastCtx  models.ClassifierContext
}

func (m *MockClassifier) Classify(ctx context.Context, text string, cctx models.ClassifierContext, task string) (*models.NLUResult, error) {
	m.Calls++
	m.LastText = text
	m.LastTask = task
	m.LastCtx = cctx
	if m.Err != nil {
		return nil, m.Err
	}
	return m.Result, nil
}

// nluWith builds a classifier result with a primary intent and entities.
func nluWith(intent models.Intent, entities map[string]string) *models.NLUResult {
	return &models.NLUResult{
		PrimaryIntent: intent,
		Entities:      entities,
		Confidence:    0.9,
	}
}
