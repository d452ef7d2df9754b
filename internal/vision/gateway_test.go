package vision

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeSender struct {
	mu     sync.Mutex
	frames []string
	err    error
}

func (s *fakeSender) SendText(msg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.err != nil {
		return s.err
	}
	s.frames = append(s.frames, msg)
	return nil
}

func (s *fakeSender) sent() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.frames...)
}

func TestGatewayRequestClassification(t *testing.T) {
	g := NewGateway(PolicyReplace, t.TempDir(), nil)
	worker := &fakeSender{}

	require.ErrorIs(t, g.RequestClassification(1), ErrWorkerUnavailable)

	require.NoError(t, g.AttachWorker(worker))
	require.True(t, g.WorkerAttached())

	require.NoError(t, g.RequestClassification(7))
	require.Equal(t, []string{"bottle_exist"}, worker.sent())

	g.HandleWorkerMessage([]byte("bottle"))

	select {
	case r := <-g.Results():
		require.Equal(t, Result{Gen: 7, Label: LabelPET}, r)
	default:
		t.Fatal("no classification result delivered")
	}
}

func TestGatewayLabelMapping(t *testing.T) {
	tests := []struct {
		reply string
		want  Label
	}{
		{reply: "bottle", want: LabelPET},
		{reply: "bank", want: LabelCAN},
		{reply: "none", want: LabelNone},
		{reply: "what even is this", want: LabelNone},
		{reply: "  bottle \n", want: LabelPET}, // frames are trimmed
	}

	for _, tt := range tests {
		t.Run(tt.reply, func(t *testing.T) {
			g := NewGateway(PolicyReplace, t.TempDir(), nil)
			require.NoError(t, g.AttachWorker(&fakeSender{}))
			require.NoError(t, g.RequestClassification(1))

			g.HandleWorkerMessage([]byte(tt.reply))

			select {
			case r := <-g.Results():
				require.Equal(t, tt.want, r.Label)
			default:
				t.Fatal("no classification result delivered")
			}
		})
	}
}

func TestGatewayUnsolicitedReplyDropped(t *testing.T) {
	g := NewGateway(PolicyReplace, t.TempDir(), nil)
	require.NoError(t, g.AttachWorker(&fakeSender{}))

	g.HandleWorkerMessage([]byte("bottle"))

	select {
	case r := <-g.Results():
		t.Fatalf("unsolicited reply delivered: %+v", r)
	default:
	}
}

func TestGatewaySecondReplyDropped(t *testing.T) {
	g := NewGateway(PolicyReplace, t.TempDir(), nil)
	require.NoError(t, g.AttachWorker(&fakeSender{}))
	require.NoError(t, g.RequestClassification(3))

	g.HandleWorkerMessage([]byte("bottle"))
	g.HandleWorkerMessage([]byte("bank")) // no longer pending

	r := <-g.Results()
	require.Equal(t, Result{Gen: 3, Label: LabelPET}, r)

	select {
	case r := <-g.Results():
		t.Fatalf("second reply delivered: %+v", r)
	default:
	}
}

func TestGatewayWorkerPolicy(t *testing.T) {
	t.Run("replace", func(t *testing.T) {
		g := NewGateway(PolicyReplace, t.TempDir(), nil)
		old, fresh := &fakeSender{}, &fakeSender{}

		require.NoError(t, g.AttachWorker(old))
		require.NoError(t, g.AttachWorker(fresh))

		require.NoError(t, g.RequestClassification(1))
		require.Empty(t, old.sent())
		require.Equal(t, []string{"bottle_exist"}, fresh.sent())
	})

	t.Run("reject", func(t *testing.T) {
		g := NewGateway(PolicyReject, t.TempDir(), nil)
		require.NoError(t, g.AttachWorker(&fakeSender{}))
		require.ErrorIs(t, g.AttachWorker(&fakeSender{}), ErrWorkerExists)
	})
}

func TestGatewayDetachWorker(t *testing.T) {
	g := NewGateway(PolicyReplace, t.TempDir(), nil)
	old, fresh := &fakeSender{}, &fakeSender{}

	require.NoError(t, g.AttachWorker(old))
	g.DetachWorker(old)
	require.False(t, g.WorkerAttached())

	// Detaching a peer that was already replaced must not evict the
	// current worker.
	require.NoError(t, g.AttachWorker(old))
	require.NoError(t, g.AttachWorker(fresh))
	g.DetachWorker(old)
	require.True(t, g.WorkerAttached())
}

func TestGatewaySendFailure(t *testing.T) {
	g := NewGateway(PolicyReplace, t.TempDir(), nil)
	require.NoError(t, g.AttachWorker(&fakeSender{err: errors.New("connection gone")}))

	require.ErrorIs(t, g.RequestClassification(1), ErrWorkerUnavailable)
}

func TestGatewayRequestPhoto(t *testing.T) {
	dir := t.TempDir()
	g := NewGateway(PolicyReplace, dir, nil)
	worker := &fakeSender{}
	require.NoError(t, g.AttachWorker(worker))

	payload := []byte{0xFF, 0xD8, 0xFF, 0xE0, 0x01, 0x02}
	go func() {
		time.Sleep(10 * time.Millisecond)
		reply := fmt.Sprintf(`{"photo_base64": %q, "timestamp": "2026-08-26T10:00:00Z"}`,
			base64.StdEncoding.EncodeToString(payload))
		g.HandleWorkerMessage([]byte(reply))
	}()

	path, err := g.RequestPhoto(context.Background())
	require.NoError(t, err)
	require.Equal(t, []string{photoRequestFrame}, worker.sent())

	saved, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, payload, saved)
}

func TestGatewayRequestPhotoWorkerError(t *testing.T) {
	g := NewGateway(PolicyReplace, t.TempDir(), nil)
	require.NoError(t, g.AttachWorker(&fakeSender{}))

	go func() {
		time.Sleep(10 * time.Millisecond)
		g.HandleWorkerMessage([]byte(`{"error": "camera unavailable"}`))
	}()

	_, err := g.RequestPhoto(context.Background())
	require.ErrorIs(t, err, ErrPhotoFailed)
	require.ErrorContains(t, err, "camera unavailable")
}

func TestGatewayRequestPhotoNoWorker(t *testing.T) {
	g := NewGateway(PolicyReplace, t.TempDir(), nil)

	_, err := g.RequestPhoto(context.Background())
	require.ErrorIs(t, err, ErrWorkerUnavailable)
}

func TestGatewayRequestPhotoCanceled(t *testing.T) {
	g := NewGateway(PolicyReplace, t.TempDir(), nil)
	require.NoError(t, g.AttachWorker(&fakeSender{}))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := g.RequestPhoto(ctx)
	require.ErrorIs(t, err, context.Canceled)
}

func TestGatewayMalformedPhotoReplyDropped(t *testing.T) {
	g := NewGateway(PolicyReplace, t.TempDir(), nil)
	require.NoError(t, g.AttachWorker(&fakeSender{}))
	require.NoError(t, g.RequestClassification(1))

	// A broken JSON frame is neither a classification nor a photo reply.
	g.HandleWorkerMessage([]byte(`{"photo_base64": `))

	select {
	case r := <-g.Results():
		t.Fatalf("malformed frame delivered as classification: %+v", r)
	default:
	}
}
