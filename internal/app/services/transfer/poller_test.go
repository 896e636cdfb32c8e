package transfer

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/AgentPay-Network/wallet_layer/internal/attestation"
	"github.com/AgentPay-Network/wallet_layer/pkg/backoff"
)

// scriptedSource returns one scripted response per call, repeating the last
// entry once the script runs out.
type scriptedSource struct {
	calls     int
	responses []scriptedResponse
}

type scriptedResponse struct {
	msgs []attestation.Message
	err  error
}

func (s *scriptedSource) Messages(_ context.Context, _ uint32, _ string) ([]attestation.Message, error) {
	i := s.calls
	if i >= len(s.responses) {
		i = len(s.responses) - 1
	}
	s.calls++
	r := s.responses[i]
	return r.msgs, r.err
}

func testPoller(source AttestationSource) *Poller {
	tiny := backoff.Policy{Initial: time.Millisecond, Max: time.Millisecond, Factor: 1.0, MaxAttempts: 5}
	return NewPoller(source, nil).WithProfiles(tiny, tiny, time.Millisecond)
}

func readyMessage() attestation.Message {
	return attestation.Message{
		Status:      attestation.StatusComplete,
		Message:     "0x0102",
		Attestation: "0x0304",
	}
}

func TestPollReturnsReadyMessage(t *testing.T) {
	source := &scriptedSource{responses: []scriptedResponse{
		{err: attestation.ErrNotIndexed},
		{msgs: []attestation.Message{{Status: attestation.StatusPendingConfirmations}}},
		{msgs: []attestation.Message{readyMessage()}},
	}}

	msg, att, err := testPoller(source).Poll(context.Background(), "0xabc", 0, false)
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if string(msg) != "\x01\x02" || string(att) != "\x03\x04" {
		t.Fatalf("unexpected payload: %x / %x", msg, att)
	}
	if source.calls != 3 {
		t.Fatalf("expected 3 polls, got %d", source.calls)
	}
}

func TestPollFastAcceptsConfirmed(t *testing.T) {
	confirmed := readyMessage()
	confirmed.Status = attestation.StatusConfirmed
	source := &scriptedSource{responses: []scriptedResponse{
		{msgs: []attestation.Message{confirmed}},
	}}

	// The standard profile must keep waiting on a merely confirmed message.
	if _, _, err := testPoller(source).Poll(context.Background(), "0xabc", 0, false); err == nil {
		t.Fatal("standard profile accepted a non-finalized message")
	}

	source.calls = 0
	if _, _, err := testPoller(source).Poll(context.Background(), "0xabc", 0, true); err != nil {
		t.Fatalf("fast profile rejected confirmed message: %v", err)
	}
}

func TestPollTimeoutError(t *testing.T) {
	source := &scriptedSource{responses: []scriptedResponse{{err: attestation.ErrNotIndexed}}}

	_, _, err := testPoller(source).Poll(context.Background(), "0xdead", 0, true)
	var timeout *TimeoutError
	if !errors.As(err, &timeout) {
		t.Fatalf("expected TimeoutError, got %v", err)
	}
	if !timeout.Fast || timeout.Attempts != 5 || timeout.TxHash != "0xdead" {
		t.Fatalf("unexpected timeout detail: %+v", timeout)
	}
	if source.calls != 5 {
		t.Fatalf("expected the full attempt budget, got %d calls", source.calls)
	}
}

func TestPollRetriesTransientErrors(t *testing.T) {
	source := &scriptedSource{responses: []scriptedResponse{
		{err: errors.New("connection reset")},
		{msgs: []attestation.Message{readyMessage()}},
	}}

	if _, _, err := testPoller(source).Poll(context.Background(), "0xabc", 0, false); err != nil {
		t.Fatalf("transient error not retried: %v", err)
	}
}

func TestPollHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	source := &scriptedSource{responses: []scriptedResponse{{err: attestation.ErrNotIndexed}}}
	_, _, err := testPoller(source).Poll(ctx, "0xabc", 0, false)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
