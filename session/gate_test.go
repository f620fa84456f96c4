package session

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/Nxdus/asf-fieldmap/geocode"
	"github.com/Nxdus/asf-fieldmap/services"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeBackend struct {
	account    services.Account
	signInErr  error
	prediction services.Prediction
	predictErr error
	predicts   []services.PredictRequest
}

func (f *fakeBackend) SignIn(ctx context.Context, req services.SignInRequest) (services.Account, error) {
	return f.account, f.signInErr
}

func (f *fakeBackend) SignUp(ctx context.Context, req services.SignUpRequest) (services.Account, error) {
	return f.account, f.signInErr
}

func (f *fakeBackend) Predict(ctx context.Context, req services.PredictRequest) (services.Prediction, error) {
	f.predicts = append(f.predicts, req)
	return f.prediction, f.predictErr
}

type fixedLocation struct {
	loc geocode.LocationSelection
	ok  bool
}

func (f fixedLocation) Location() (geocode.LocationSelection, bool) {
	return f.loc, f.ok
}

var testImage = &services.Image{Filename: "strip.jpg", ContentType: "image/jpeg", Data: []byte{0xff, 0xd8}}

func TestAuthorizeOrder(t *testing.T) {
	signed := State{SignedIn: true, Username: "ana", Organization: "VetLab"}
	loc := &geocode.LocationSelection{Name: "Springfield", Lat: 39.8, Lng: -89.6}

	testCases := []struct {
		name string
		sub  Submission
		want string
	}{
		{"nothing present", Submission{}, MsgSelectImage},
		{"image only", Submission{Image: testImage}, MsgSignIn},
		{"no image but signed in with location", Submission{State: signed, Location: loc}, MsgSelectImage},
		{"image and signed in", Submission{Image: testImage, State: signed}, MsgSelectCity},
		{"image and location", Submission{Image: testImage, Location: loc}, MsgSignIn},
		{"empty image data", Submission{Image: &services.Image{}, State: signed, Location: loc}, MsgSelectImage},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			err := Authorize(tc.sub)
			var pe *PreconditionError
			require.ErrorAs(t, err, &pe)
			assert.Equal(t, tc.want, pe.Message)
		})
	}

	assert.NoError(t, Authorize(Submission{Image: testImage, State: signed, Location: loc}))
}

func TestSignInTransitionsState(t *testing.T) {
	backend := &fakeBackend{account: services.Account{Username: "ana", Organization: "VetLab"}}
	store := NewMemoryStore(time.Hour)
	g := NewGate("s1", backend, store)

	assert.False(t, g.State().SignedIn)

	st, err := g.SignIn(context.Background(), "ana", "secret")
	require.NoError(t, err)
	assert.Equal(t, State{SignedIn: true, Username: "ana", Organization: "VetLab"}, st)

	persisted, err := store.Get(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, st, persisted)

	restored := NewGate("s1", backend, store)
	require.NoError(t, restored.Restore(context.Background()))
	assert.True(t, restored.State().SignedIn)
}

func TestSignInFailureSurfacesBackendMessage(t *testing.T) {
	backend := &fakeBackend{signInErr: &services.StatusError{Op: "sign in", Code: 401, Message: "Invalid credentials", Reported: true}}
	g := NewGate("s1", backend, nil)

	_, err := g.SignIn(context.Background(), "ana", "wrong")
	var se *SessionError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "Invalid credentials", se.Message)
	assert.False(t, g.State().SignedIn)

	backend.signInErr = &services.StatusError{Op: "sign in", Code: 401}
	_, err = g.SignIn(context.Background(), "ana", "wrong")
	require.ErrorAs(t, err, &se)
	assert.Equal(t, msgSignInRejected, se.Message)

	backend.signInErr = errors.New("connection refused")
	_, err = g.SignIn(context.Background(), "ana", "wrong")
	require.ErrorAs(t, err, &se)
	assert.Equal(t, msgNetwork, se.Message)
}

func TestSignInAgainstBackendWithoutErrorText(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.WriteHeader(http.StatusBadGateway)
		io.WriteString(w, "<html><body><h1>502 Bad Gateway</h1></body></html>")
	}))
	g := NewGate("s1", services.NewBackend(srv.URL, time.Second), nil)

	_, err := g.SignIn(context.Background(), "ana", "secret")
	var se *SessionError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, msgSignInRejected, se.Message)
	assert.NotContains(t, se.Message, "<html>")

	_, err = g.SignUp(context.Background(), services.SignUpRequest{
		Email:        "ana@example.com",
		Organization: "VetLab",
		Username:     "ana",
		Password:     "secret",
	})
	require.ErrorAs(t, err, &se)
	assert.Equal(t, msgSignUpRejected, se.Message)

	srv.Close()
	_, err = g.SignIn(context.Background(), "ana", "secret")
	require.ErrorAs(t, err, &se)
	assert.Equal(t, msgNetwork, se.Message)
	assert.False(t, g.State().SignedIn)
}

func TestIncompleteAccountKeepsSignedOut(t *testing.T) {
	backend := &fakeBackend{account: services.Account{Username: "ana"}}
	g := NewGate("s1", backend, nil)

	_, err := g.SignIn(context.Background(), "ana", "secret")
	var se *SessionError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, State{}, g.State())
}

func TestSignUpFillsAccountFromRequest(t *testing.T) {
	g := NewGate("s1", &fakeBackend{}, nil)

	st, err := g.SignUp(context.Background(), services.SignUpRequest{
		Email:        "ana@example.com",
		Organization: "VetLab",
		Username:     "ana",
		Password:     "secret",
	})
	require.NoError(t, err)
	assert.True(t, st.SignedIn)
	assert.Equal(t, "VetLab", st.Organization)

	_, err = NewGate("s2", &fakeBackend{}, nil).SignUp(context.Background(), services.SignUpRequest{Username: "ana"})
	var se *SessionError
	assert.ErrorAs(t, err, &se)
}

func TestSubmitChecksBeforeNetwork(t *testing.T) {
	backend := &fakeBackend{account: services.Account{Username: "ana", Organization: "VetLab"}}
	g := NewGate("s1", backend, nil)

	_, err := g.Submit(context.Background(), nil, nil)
	var pe *PreconditionError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, MissingImage, pe.Reason)

	_, err = g.Submit(context.Background(), testImage, fixedLocation{})
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, NotSignedIn, pe.Reason)

	_, err = g.SignIn(context.Background(), "ana", "secret")
	require.NoError(t, err)

	_, err = g.Submit(context.Background(), testImage, fixedLocation{})
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, MissingLocation, pe.Reason)

	assert.Empty(t, backend.predicts)
}

func TestSubmitSendsSessionAndLocation(t *testing.T) {
	backend := &fakeBackend{
		account:    services.Account{Username: "ana", Organization: "VetLab"},
		prediction: services.Prediction{TagName: "positive", Probability: 0.93},
	}
	g := NewGate("s1", backend, nil)
	_, err := g.SignIn(context.Background(), "ana", "secret")
	require.NoError(t, err)

	loc := fixedLocation{loc: geocode.LocationSelection{Name: "Springfield", Lat: 39.8, Lng: -89.6}, ok: true}
	pred, err := g.Submit(context.Background(), testImage, loc)
	require.NoError(t, err)
	assert.Equal(t, "positive", pred.TagName)

	require.Len(t, backend.predicts, 1)
	req := backend.predicts[0]
	assert.Equal(t, "ana", req.User)
	assert.Equal(t, "VetLab", req.Organization)
	assert.Equal(t, 39.8, req.Lat)
	assert.Equal(t, -89.6, req.Lng)
}

func TestSubmitErrors(t *testing.T) {
	backend := &fakeBackend{
		account:    services.Account{Username: "ana", Organization: "VetLab"},
		predictErr: errors.New("upstream timeout"),
	}
	g := NewGate("s1", backend, nil)
	_, err := g.SignIn(context.Background(), "ana", "secret")
	require.NoError(t, err)
	loc := fixedLocation{loc: geocode.LocationSelection{Name: "Springfield"}, ok: true}

	_, err = g.Submit(context.Background(), testImage, loc)
	var sub *SubmissionError
	require.ErrorAs(t, err, &sub)
	assert.Equal(t, msgPredictFailed, err.Error())

	backend.predictErr = &services.StatusError{Op: "predict", Code: 500, Message: "Model unavailable", Reported: true}
	_, err = g.Submit(context.Background(), testImage, loc)
	require.ErrorAs(t, err, &sub)
	assert.Equal(t, "Model unavailable", err.Error())

	backend.predictErr = &services.StatusError{Op: "predict", Code: 500, Message: "<html>oops</html>"}
	_, err = g.Submit(context.Background(), testImage, loc)
	assert.Equal(t, msgPredictFailed, err.Error())

	backend.predictErr = nil
	backend.prediction = services.Prediction{TagName: "non-image"}
	_, err = g.Submit(context.Background(), testImage, loc)
	assert.ErrorIs(t, err, ErrNoTestDetected)
}

func TestMemoryStoreExpiry(t *testing.T) {
	store := NewMemoryStore(time.Minute)
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return now }

	require.NoError(t, store.Put(context.Background(), "s1", State{SignedIn: true, Username: "ana", Organization: "VetLab"}))
	_, err := store.Get(context.Background(), "s1")
	require.NoError(t, err)

	now = now.Add(2 * time.Minute)
	_, err = store.Get(context.Background(), "s1")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, store.Put(context.Background(), "s2", State{}))
	require.NoError(t, store.Delete(context.Background(), "s2"))
	_, err = store.Get(context.Background(), "s2")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStorePurgeExpired(t *testing.T) {
	store := NewMemoryStore(time.Minute)
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return now }
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, "old", State{SignedIn: true, Username: "ana", Organization: "VetLab"}))
	now = now.Add(45 * time.Second)
	require.NoError(t, store.Put(ctx, "fresh", State{SignedIn: true, Username: "bo", Organization: "Farm"}))

	assert.Equal(t, 0, store.PurgeExpired(now))
	assert.Equal(t, 1, store.PurgeExpired(now.Add(30*time.Second)))

	_, err := store.Get(ctx, "fresh")
	assert.NoError(t, err)
	assert.Equal(t, 0, store.PurgeExpired(now.Add(30*time.Second)))
}
