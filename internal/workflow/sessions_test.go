package workflow_test

import (
	"context"
	"strings"
	"testing"

	"github.com/skeezrxcco/blastermailer/internal/store"
	"github.com/skeezrxcco/blastermailer/internal/workflow"
	"github.com/skeezrxcco/blastermailer/pkg/models"
)

func TestResume_CreatesFreshSession(t *testing.T) {
	m := workflow.NewManager(store.NewMemoryStore())

	sess, resumed, err := m.Resume(context.Background(), "", "u1")
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if resumed {
		t.Error("resumed = true for a fresh conversation")
	}
	if sess.ConversationID == "" {
		t.Error("fresh session has no conversation id")
	}
	if sess.State != models.StageIntentCapture {
		t.Errorf("State = %q, want INTENT_CAPTURE", sess.State)
	}
	if sess.Intent != models.IntentUnknown {
		t.Errorf("Intent = %q, want UNKNOWN", sess.Intent)
	}
	if sess.UserID != "u1" {
		t.Errorf("UserID = %q, want u1", sess.UserID)
	}
}

func TestResume_LoadsExistingSession(t *testing.T) {
	m := workflow.NewManager(store.NewMemoryStore())
	ctx := context.Background()

	created, _, err := m.Resume(ctx, "", "u1")
	if err != nil {
		t.Fatalf("Resume(create): %v", err)
	}

	sess, resumed, err := m.Resume(ctx, created.ConversationID, "u1")
	if err != nil {
		t.Fatalf("Resume(existing): %v", err)
	}
	if !resumed {
		t.Error("resumed = false for an existing conversation")
	}
	if sess.ID != created.ID {
		t.Errorf("ID = %q, want %q", sess.ID, created.ID)
	}
}

func TestResume_RejectsForeignConversation(t *testing.T) {
	m := workflow.NewManager(store.NewMemoryStore())
	ctx := context.Background()

	created, _, err := m.Resume(ctx, "", "u1")
	if err != nil {
		t.Fatalf("Resume(create): %v", err)
	}

	sess, resumed, err := m.Resume(ctx, created.ConversationID, "u2")
	if err == nil {
		t.Fatal("Resume as another user: want error")
	}
	if !strings.Contains(err.Error(), "unauthorized") {
		t.Errorf("error = %q, want unauthorized detail", err)
	}
	if sess != nil || resumed {
		t.Errorf("sess = %+v resumed = %v, want nil / false", sess, resumed)
	}
}

func TestResume_UnknownConversationIDCreatesUnderThatID(t *testing.T) {
	m := workflow.NewManager(store.NewMemoryStore())

	sess, resumed, err := m.Resume(context.Background(), "conv-given", "u1")
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if resumed {
		t.Error("resumed = true, want fresh session for unknown id")
	}
	if sess.ConversationID != "conv-given" {
		t.Errorf("ConversationID = %q, want the caller-supplied id", sess.ConversationID)
	}
}

func TestSave_PersistsPatchedState(t *testing.T) {
	st := store.NewMemoryStore()
	m := workflow.NewManager(st)
	ctx := context.Background()

	sess, _, err := m.Resume(ctx, "", "u1")
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}

	next := models.StageGoalBrief
	intent := models.IntentNewsletter
	updated, err := m.Save(ctx, sess, models.SessionPatch{
		State:  &next,
		Intent: &intent,
	})
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	if updated.State != models.StageGoalBrief {
		t.Errorf("State = %q, want GOAL_BRIEF", updated.State)
	}

	reloaded, err := st.GetSession(ctx, sess.ConversationID)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if reloaded.State != models.StageGoalBrief || reloaded.Intent != models.IntentNewsletter {
		t.Errorf("persisted session = %+v, want patched state and intent", reloaded)
	}
}

func TestSave_ReturnsInputOnStorageFailure(t *testing.T) {
	m := workflow.NewManager(store.NewMemoryStore())

	// Session never created, so UpdateSession reports not-found.
	orphan := &models.WorkflowSession{
		ConversationID: "ghost",
		State:          models.StageIntentCapture,
	}
	next := models.StageGoalBrief
	got, err := m.Save(context.Background(), orphan, models.SessionPatch{State: &next})
	if err == nil {
		t.Fatal("Save on missing session: want error")
	}
	if got != orphan {
		t.Error("Save did not return the input session on failure")
	}
}
