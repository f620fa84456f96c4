// Package session holds per-browser sign-in state and decides whether an
// image submission may go out.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/Nxdus/asf-fieldmap/geocode"
	"github.com/Nxdus/asf-fieldmap/services"
)

const (
	MsgSelectImage = "Please select an image first."
	MsgSignIn      = "Please sign in before submitting."
	MsgSelectCity  = "Please select a city first."
)

// ErrNoTestDetected is returned when the backend classifies the upload as
// something other than an ASF test.
var ErrNoTestDetected = errors.New("No swine fever test detected. Ensure your swine fever test is the subject of your image.")

const nonImageTag = "non-image"

const (
	msgSignInRejected = "Invalid username or password. Please try again."
	msgSignUpRejected = "Something went wrong. Please try again."
	msgNetwork        = "Network error. Please try again later."
	msgPredictFailed  = "Error in prediction request"
)

// State is the sign-in state of one browser session. SignedIn is true iff
// both Username and Organization are set.
type State struct {
	SignedIn     bool   `json:"signedIn"`
	Username     string `json:"username,omitempty"`
	Organization string `json:"organization,omitempty"`
}

func signedIn(username, organization string) State {
	if username == "" || organization == "" {
		return State{}
	}
	return State{SignedIn: true, Username: username, Organization: organization}
}

type Precondition int

const (
	MissingImage Precondition = iota + 1
	NotSignedIn
	MissingLocation
)

// PreconditionError is a user-correctable reason the submission was refused
// before any network call.
type PreconditionError struct {
	Reason  Precondition
	Message string
}

func (e *PreconditionError) Error() string {
	return e.Message
}

// SessionError is a failed sign-in or sign-up. Message is safe to show.
type SessionError struct {
	Op      string
	Message string
	Err     error
}

func (e *SessionError) Error() string {
	return e.Message
}

func (e *SessionError) Unwrap() error {
	return e.Err
}

// SubmissionError wraps a failed /predict call. Its text is the backend's
// own error message when it sent one, and is shown verbatim.
type SubmissionError struct {
	Err error
}

func (e *SubmissionError) Error() string {
	var se *services.StatusError
	if errors.As(e.Err, &se) && se.Reported {
		return se.Message
	}
	return msgPredictFailed
}

func (e *SubmissionError) Unwrap() error {
	return e.Err
}

type Backend interface {
	SignIn(ctx context.Context, req services.SignInRequest) (services.Account, error)
	SignUp(ctx context.Context, req services.SignUpRequest) (services.Account, error)
	Predict(ctx context.Context, req services.PredictRequest) (services.Prediction, error)
}

// LocationSource is read at submission time. *geocode.Binder satisfies it.
type LocationSource interface {
	Location() (geocode.LocationSelection, bool)
}

// Submission is everything Authorize looks at.
type Submission struct {
	Image    *services.Image
	State    State
	Location *geocode.LocationSelection
}

// Authorize checks image, then sign-in, then location, and reports the
// first one missing.
func Authorize(s Submission) error {
	if s.Image == nil || len(s.Image.Data) == 0 {
		return &PreconditionError{Reason: MissingImage, Message: MsgSelectImage}
	}
	if !s.State.SignedIn {
		return &PreconditionError{Reason: NotSignedIn, Message: MsgSignIn}
	}
	if s.Location == nil {
		return &PreconditionError{Reason: MissingLocation, Message: MsgSelectCity}
	}
	return nil
}

// Gate is the session state machine for one browser session. The only
// transition is SignedOut to SignedIn.
type Gate struct {
	id      string
	backend Backend
	store   Store

	mu    sync.Mutex
	state State
}

// NewGate returns a signed-out gate. store may be nil.
func NewGate(id string, backend Backend, store Store) *Gate {
	return &Gate{id: id, backend: backend, store: store}
}

func (g *Gate) ID() string {
	return g.id
}

// Restore loads previously persisted state for this session, if any.
func (g *Gate) Restore(ctx context.Context) error {
	if g.store == nil {
		return nil
	}
	st, err := g.store.Get(ctx, g.id)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("restore session %s: %w", g.id, err)
	}

	g.mu.Lock()
	g.state = signedIn(st.Username, st.Organization)
	g.mu.Unlock()
	return nil
}

func (g *Gate) State() State {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

func (g *Gate) SignIn(ctx context.Context, username, password string) (State, error) {
	username = strings.TrimSpace(username)
	if username == "" || password == "" {
		return g.State(), &SessionError{Op: "sign in", Message: "Username and password are required."}
	}

	acct, err := g.backend.SignIn(ctx, services.SignInRequest{Username: username, Password: password})
	if err != nil {
		return g.State(), sessionError("sign in", msgSignInRejected, err)
	}
	return g.accept(ctx, "sign in", acct)
}

func (g *Gate) SignUp(ctx context.Context, req services.SignUpRequest) (State, error) {
	req.Username = strings.TrimSpace(req.Username)
	req.Organization = strings.TrimSpace(req.Organization)
	if req.Username == "" || req.Organization == "" || req.Password == "" || req.Email == "" {
		return g.State(), &SessionError{Op: "sign up", Message: "All fields are required."}
	}

	acct, err := g.backend.SignUp(ctx, req)
	if err != nil {
		return g.State(), sessionError("sign up", msgSignUpRejected, err)
	}
	if acct.Username == "" {
		acct.Username = req.Username
	}
	if acct.Organization == "" {
		acct.Organization = req.Organization
	}
	return g.accept(ctx, "sign up", acct)
}

func (g *Gate) accept(ctx context.Context, op string, acct services.Account) (State, error) {
	st := signedIn(acct.Username, acct.Organization)
	if !st.SignedIn {
		return g.State(), &SessionError{Op: op, Message: "Server returned an incomplete account."}
	}

	g.mu.Lock()
	g.state = st
	g.mu.Unlock()

	if g.store != nil {
		if err := g.store.Put(ctx, g.id, st); err != nil {
			slog.Warn("failed to persist session", "session", g.id, "error", err)
		}
	}
	slog.Info("session signed in", "session", g.id, "user", st.Username, "org", st.Organization)
	return st, nil
}

// Submit authorizes against the state at call time and only then uploads.
func (g *Gate) Submit(ctx context.Context, image *services.Image, loc LocationSource) (services.Prediction, error) {
	sub := Submission{Image: image, State: g.State()}
	if loc != nil {
		if sel, ok := loc.Location(); ok {
			sub.Location = &sel
		}
	}
	if err := Authorize(sub); err != nil {
		return services.Prediction{}, err
	}

	pred, err := g.backend.Predict(ctx, services.PredictRequest{
		Image:        *image,
		User:         sub.State.Username,
		Organization: sub.State.Organization,
		Lat:          sub.Location.Lat,
		Lng:          sub.Location.Lng,
	})
	if err != nil {
		slog.Error("prediction request failed", "session", g.id, "error", err)
		return services.Prediction{}, &SubmissionError{Err: err}
	}
	if pred.TagName == nonImageTag {
		return pred, ErrNoTestDetected
	}

	slog.Info("prediction received",
		"session", g.id,
		"tag", pred.TagName,
		"probability", pred.Probability,
		"location", sub.Location.Name,
	)
	return pred, nil
}

// sessionError only ever shows the backend's own error text. A rejection
// without one gets the rejected message; a request that never got an answer
// gets the network message.
func sessionError(op, rejected string, err error) *SessionError {
	var se *services.StatusError
	if !errors.As(err, &se) {
		return &SessionError{Op: op, Message: msgNetwork, Err: err}
	}
	msg := rejected
	if se.Reported {
		msg = se.Message
	}
	return &SessionError{Op: op, Message: msg, Err: err}
}
