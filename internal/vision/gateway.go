// Package vision is the request/response link to the external
// classification worker. It owns the worker peer slot, maps worker
// replies to sorting labels and correlates them with the coordinator's
// request generations.
package vision

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/abeljaev/fandomat/internal/pool"
	"github.com/abeljaev/fandomat/logger"
)

// Sentinel errors for the classification gateway.
var (
	// ErrWorkerUnavailable indicates no classification worker is registered.
	ErrWorkerUnavailable = errors.New("vision: no classification worker registered")

	// ErrClassifyTimeout indicates the worker did not answer within budget.
	ErrClassifyTimeout = errors.New("vision: classification response timeout")

	// ErrWorkerExists indicates a second worker tried to register while
	// the replacement policy is PolicyReject.
	ErrWorkerExists = errors.New("vision: classification worker already registered")

	// ErrPhotoFailed indicates the worker could not produce a photo.
	ErrPhotoFailed = errors.New("vision: photo request failed")
)

// classifyRequestFrame is the text frame that asks the worker for one
// classification pass over the presented container.
const classifyRequestFrame = "bottle_exist"

// photoRequestFrame asks the worker for a still frame.
const photoRequestFrame = `{"command": "get_photo"}`

// DefaultPhotoTimeout bounds a photo request round trip.
const DefaultPhotoTimeout = 2 * time.Second

// Label is the classification outcome for one container.
type Label string

const (
	LabelPET  Label = "PET"
	LabelCAN  Label = "CAN"
	LabelNone Label = "NONE"
)

// Result ties a worker reply to the request generation that asked for it.
// The coordinator discards results whose generation is no longer current.
type Result struct {
	Gen   uint64
	Label Label
}

// Policy decides what happens when a second worker registers while one
// is already attached.
type Policy string

const (
	// PolicyReplace detaches the old worker in favor of the new one.
	// A restarted worker reclaims its slot without operator action.
	PolicyReplace Policy = "replace"
	// PolicyReject refuses the new registration.
	PolicyReject Policy = "reject"
)

// Sender is the outbound half of the worker peer connection.
type Sender interface {
	SendText(msg string) error
}

type photoReply struct {
	PhotoBase64 string `json:"photo_base64"`
	Timestamp   string `json:"timestamp"`
	Error       string `json:"error"`
}

// Gateway mediates between the coordinator and the classification worker.
type Gateway struct {
	logger    logger.Logger
	policy    Policy
	photosDir string

	mu      sync.Mutex
	worker  Sender
	pending bool
	gen     uint64
	photoCh chan photoReply

	results chan Result
}

// NewGateway creates a gateway with the given worker replacement policy.
// Photos fetched from the worker are stored under photosDir.
func NewGateway(policy Policy, photosDir string, l logger.Logger) *Gateway {
	if l == nil {
		l = logger.GetLogger()
	}
	if policy != PolicyReject {
		policy = PolicyReplace
	}

	return &Gateway{
		logger:    l.With("component", "vision"),
		policy:    policy,
		photosDir: photosDir,
		results:   make(chan Result, 4),
	}
}

// Results returns the channel classification results are delivered on.
func (g *Gateway) Results() <-chan Result {
	return g.results
}

// AttachWorker registers the worker peer. The outcome for a second
// registration follows the configured policy; with PolicyReject the
// call fails with ErrWorkerExists.
func (g *Gateway) AttachWorker(s Sender) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.worker != nil {
		if g.policy == PolicyReject {
			return ErrWorkerExists
		}
		g.logger.Warn("replacing registered classification worker")
	}
	g.worker = s

	return nil
}

// DetachWorker removes the worker peer if it is still the registered one.
func (g *Gateway) DetachWorker(s Sender) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.worker == s {
		g.worker = nil
		g.pending = false
	}
}

// WorkerAttached reports whether a classification worker is registered.
func (g *Gateway) WorkerAttached() bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	return g.worker != nil
}

// RequestClassification sends one classification request tagged with the
// coordinator's current generation. It fails immediately with
// ErrWorkerUnavailable when no worker is registered. The reply, if any,
// arrives on Results; the response deadline is owned by the
// coordinator's state timer.
func (g *Gateway) RequestClassification(gen uint64) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.worker == nil {
		return ErrWorkerUnavailable
	}

	if err := g.worker.SendText(classifyRequestFrame); err != nil {
		return fmt.Errorf("%w: %v", ErrWorkerUnavailable, err)
	}

	g.pending = true
	g.gen = gen

	return nil
}

// HandleWorkerMessage routes one inbound worker frame: JSON objects are
// photo replies, plain text is a classification answer.
func (g *Gateway) HandleWorkerMessage(data []byte) {
	msg := strings.TrimSpace(string(data))

	if strings.HasPrefix(msg, "{") {
		g.handlePhotoReply([]byte(msg))
		return
	}

	g.handleClassification(msg)
}

func (g *Gateway) handleClassification(msg string) {
	g.mu.Lock()
	if !g.pending {
		g.mu.Unlock()
		g.logger.Warn("unsolicited classification reply dropped", "payload", msg)
		return
	}
	g.pending = false
	gen := g.gen
	g.mu.Unlock()

	label := mapLabel(msg)
	if label == LabelNone && msg != "none" {
		g.logger.Warn("unexpected classification payload, treating as none", "payload", msg)
	}

	select {
	case g.results <- Result{Gen: gen, Label: label}:
	default:
		g.logger.Warn("classification result dropped, consumer not keeping up", "gen", gen)
	}
}

// mapLabel maps the worker vocabulary to sorting labels. Anything
// unexpected is NONE: the coordinator must make forward progress even on
// a confused worker.
func mapLabel(msg string) Label {
	switch msg {
	case "bottle":
		return LabelPET
	case "bank":
		return LabelCAN
	default:
		return LabelNone
	}
}

// RequestPhoto asks the worker for a still frame, stores it under the
// photos directory and returns the file path. It fails with
// ErrWorkerUnavailable when no worker is registered and with
// ErrClassifyTimeout when no reply arrives within DefaultPhotoTimeout.
func (g *Gateway) RequestPhoto(ctx context.Context) (string, error) {
	g.mu.Lock()
	if g.worker == nil {
		g.mu.Unlock()
		return "", ErrWorkerUnavailable
	}
	if g.photoCh != nil {
		g.mu.Unlock()
		return "", fmt.Errorf("%w: photo request already outstanding", ErrPhotoFailed)
	}

	replyCh := make(chan photoReply, 1)
	g.photoCh = replyCh
	worker := g.worker
	g.mu.Unlock()

	defer func() {
		g.mu.Lock()
		g.photoCh = nil
		g.mu.Unlock()
	}()

	if err := worker.SendText(photoRequestFrame); err != nil {
		return "", fmt.Errorf("%w: %v", ErrWorkerUnavailable, err)
	}

	timer := pool.GetTimer(DefaultPhotoTimeout)
	defer pool.PutTimer(timer)

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case <-timer.C:
		return "", ErrClassifyTimeout
	case reply := <-replyCh:
		if reply.Error != "" {
			return "", fmt.Errorf("%w: %s", ErrPhotoFailed, reply.Error)
		}
		return g.savePhoto(reply.PhotoBase64)
	}
}

func (g *Gateway) handlePhotoReply(data []byte) {
	var reply photoReply
	if err := json.Unmarshal(data, &reply); err != nil {
		g.logger.Warn("malformed worker JSON frame dropped", "error", err)
		return
	}

	g.mu.Lock()
	ch := g.photoCh
	g.mu.Unlock()

	if ch == nil {
		g.logger.Warn("unsolicited photo reply dropped")
		return
	}

	select {
	case ch <- reply:
	default:
	}
}

// savePhoto decodes the base64 payload and writes it to the photos
// directory with a millisecond-stamped name.
func (g *Gateway) savePhoto(encoded string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("%w: decode photo: %v", ErrPhotoFailed, err)
	}

	if err := os.MkdirAll(g.photosDir, 0o755); err != nil {
		return "", fmt.Errorf("%w: %v", ErrPhotoFailed, err)
	}

	now := time.Now()
	name := fmt.Sprintf("photo_%s_%03d.jpg", now.Format("20060102_150405"), now.Nanosecond()/1e6)
	path := filepath.Join(g.photosDir, name)

	if err := os.WriteFile(path, raw, 0o644); err != nil {
		return "", fmt.Errorf("%w: %v", ErrPhotoFailed, err)
	}

	g.logger.Info("photo stored", "path", path)

	return path, nil
}
