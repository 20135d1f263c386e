package slack

import (
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/slack-go/slack"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/foremanhq/foreman/internal/session"
)

type fakeAPI struct {
	mu       sync.Mutex
	posts    int
	updates  int
	postErr  error
	lastTS   string
	tsSerial int
}

func (f *fakeAPI) PostMessage(_ string, _ ...slack.MsgOption) (string, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.postErr != nil {
		return "", "", f.postErr
	}
	f.posts++
	f.tsSerial++
	f.lastTS = string(rune('0' + f.tsSerial))
	return "C1", f.lastTS, nil
}

func (f *fakeAPI) UpdateMessage(_, _ string, _ ...slack.MsgOption) (string, string, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates++
	return "C1", "", "", nil
}

func (f *fakeAPI) AuthTest() (*slack.AuthTestResponse, error) {
	return &slack.AuthTestResponse{UserID: "UBOT"}, nil
}

type fakeSessions struct {
	answered    []int
	texts       []string
	freeText    []string
	stopped     []string
	answerErr   error
	sessionSeen string
}

func (f *fakeSessions) Answer(sessionID string, optionIndex int) error {
	f.sessionSeen = sessionID
	if f.answerErr != nil {
		return f.answerErr
	}
	f.answered = append(f.answered, optionIndex)
	return nil
}

func (f *fakeSessions) AnswerText(sessionID, text string) error {
	f.sessionSeen = sessionID
	f.texts = append(f.texts, text)
	return nil
}

func (f *fakeSessions) RequestFreeText(sessionID string) error {
	f.freeText = append(f.freeText, sessionID)
	return nil
}

func (f *fakeSessions) Stop(sessionID string) (bool, error) {
	f.stopped = append(f.stopped, sessionID)
	return true, nil
}

func buttonCallback(actionID, label string) (slack.InteractionCallback, *slack.BlockAction) {
	cb := slack.InteractionCallback{}
	cb.User.ID = "U1"
	cb.Channel.ID = "C1"
	action := &slack.BlockAction{ActionID: actionID}
	action.Text.Text = label
	cb.ActionCallback.BlockActions = []*slack.BlockAction{action}
	return cb, action
}

const testSessionID = "6e2d9e7a-1b3f-4c8a-9f00-1234567890ab"

func TestHandleAnswerParsesSessionAndIndex(t *testing.T) {
	fs := &fakeSessions{}
	h := NewHandler(&fakeAPI{}, fs, NewNotifier(&fakeAPI{}, "C1", zerolog.Nop()), zerolog.Nop())

	cb, action := buttonCallback(actionAnswerPrefix+testSessionID+"_2", "Option C")
	h.handleAnswer(cb, action)

	assert.Equal(t, testSessionID, fs.sessionSeen)
	assert.Equal(t, []int{2}, fs.answered)
}

func TestHandleAnswerMalformedActionIgnored(t *testing.T) {
	fs := &fakeSessions{}
	h := NewHandler(&fakeAPI{}, fs, NewNotifier(&fakeAPI{}, "C1", zerolog.Nop()), zerolog.Nop())

	cb, action := buttonCallback(actionAnswerPrefix+"garbage", "x")
	h.handleAnswer(cb, action)
	assert.Empty(t, fs.answered)
}

func TestHandleAnswerRejectedUpdatesMessage(t *testing.T) {
	api := &fakeAPI{}
	fs := &fakeSessions{answerErr: assert.AnError}
	h := NewHandler(api, fs, NewNotifier(api, "C1", zerolog.Nop()), zerolog.Nop())

	cb, action := buttonCallback(actionAnswerPrefix+testSessionID+"_0", "Yes")
	h.handleAnswer(cb, action)
	assert.Equal(t, 1, api.updates)
}

func TestHandleFreeTextRequest(t *testing.T) {
	fs := &fakeSessions{}
	h := NewHandler(&fakeAPI{}, fs, NewNotifier(&fakeAPI{}, "C1", zerolog.Nop()), zerolog.Nop())

	cb, action := buttonCallback(actionFreeTextPrefix+testSessionID, "Answer in thread")
	h.handleFreeTextRequest(cb, action)
	assert.Equal(t, []string{testSessionID}, fs.freeText)
}

func TestHandleStop(t *testing.T) {
	fs := &fakeSessions{}
	h := NewHandler(&fakeAPI{}, fs, NewNotifier(&fakeAPI{}, "C1", zerolog.Nop()), zerolog.Nop())

	cb, action := buttonCallback(actionStopPrefix+testSessionID, "Stop session")
	h.handleStop(cb, action)
	assert.Equal(t, []string{testSessionID}, fs.stopped)
}

func TestNotifierThreadsPromptMessages(t *testing.T) {
	api := &fakeAPI{}
	n := NewNotifier(api, "C1", zerolog.Nop())

	n.SessionNeedsInput(testSessionID, "acme/widgets#7", promptFixture())
	require.Equal(t, 1, api.posts)

	id, ok := n.SessionForThread(api.lastTS)
	require.True(t, ok)
	assert.Equal(t, testSessionID, id)

	// Terminal notification drops the thread mapping.
	n.SessionTerminal(testSessionID, "acme/widgets#7", session.StatusCompleted, "done")
	_, ok = n.SessionForThread(api.lastTS)
	assert.False(t, ok)
}

func TestNotifierSendFailureDoesNotPanic(t *testing.T) {
	api := &fakeAPI{postErr: assert.AnError}
	n := NewNotifier(api, "C1", zerolog.Nop())

	n.SessionNotice(testSessionID, "acme/widgets#7", "hello")
	n.TreeComplete("acme/widgets")
	n.CycleDetected("acme/widgets", []int{1, 2})
	n.CapacityDeferred("acme/widgets", []int{3})
	n.AutoStarted("acme/widgets", 4, "title")
}
