package services

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeysAcceptsBothFieldNames(t *testing.T) {
	testCases := []struct {
		name string
		body string
	}{
		{"current", `{"mapTileKey":"abc","geocodeKey":"xyz"}`},
		{"legacy", `{"mapboxApiKey":"abc","googleMapsApiKey":"xyz"}`},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "/api/keys", r.URL.Path)
				io.WriteString(w, tc.body)
			}))
			defer srv.Close()

			keys, err := NewBackend(srv.URL, 0).Keys(context.Background())
			require.NoError(t, err)
			assert.Equal(t, ProvisionedKeys{MapTileKey: "abc", GeocodeKey: "xyz"}, keys)
			assert.True(t, keys.Complete())
		})
	}
}

func TestSignInSurfacesBackendError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req SignInRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		if req.Password != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			io.WriteString(w, `{"error":"Invalid credentials"}`)
			return
		}
		io.WriteString(w, `{"username":"ana","organization":"VetLab"}`)
	}))
	defer srv.Close()

	b := NewBackend(srv.URL, 0)

	acct, err := b.SignIn(context.Background(), SignInRequest{Username: "ana", Password: "secret"})
	require.NoError(t, err)
	assert.Equal(t, Account{Username: "ana", Organization: "VetLab"}, acct)

	_, err = b.SignIn(context.Background(), SignInRequest{Username: "ana", Password: "nope"})
	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusUnauthorized, statusErr.Code)
	assert.Equal(t, "Invalid credentials", statusErr.Message)
	assert.True(t, statusErr.Reported)
}

func TestPredictSendsMultipartForm(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/predict", r.URL.Path)
		require.NoError(t, r.ParseMultipartForm(1<<20))

		assert.Equal(t, "ana", r.FormValue("user"))
		assert.Equal(t, "VetLab", r.FormValue("org"))
		assert.Equal(t, "39.8", r.FormValue("lat"))
		assert.Equal(t, "-89.6", r.FormValue("lng"))

		f, hdr, err := r.FormFile("image")
		require.NoError(t, err)
		defer f.Close()
		data, _ := io.ReadAll(f)
		assert.Equal(t, "test.jpg", hdr.Filename)
		assert.Equal(t, []byte("jpeg-bytes"), data)

		io.WriteString(w, `{"tagName":"positive","probability":0.93}`)
	}))
	defer srv.Close()

	pred, err := NewBackend(srv.URL, 0).Predict(context.Background(), PredictRequest{
		Image:        Image{Filename: "test.jpg", ContentType: "image/jpeg", Data: []byte("jpeg-bytes")},
		User:         "ana",
		Organization: "VetLab",
		Lat:          39.8,
		Lng:          -89.6,
	})
	require.NoError(t, err)
	assert.Equal(t, Prediction{TagName: "positive", Probability: 0.93}, pred)
}

func TestCountsCombinesBothEndpoints(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/positive-count", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"positiveCount":7}`)
	})
	mux.HandleFunc("/api/negative-count", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"negativeCount":3}`)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	counts, err := NewBackend(srv.URL, 0).Counts(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Counts{Positive: 7, Negative: 3}, counts)
}

func TestFetcherHonoursETag(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("If-None-Match") == `"v1"` {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("ETag", `"v1"`)
		io.WriteString(w, `[{"lat":10,"lng":20,"prob":0.9,"user":"ana","org":"VetLab","date":"2024-05-01"}]`)
	}))
	defer srv.Close()

	f := NewHTTPFetcher(srv.URL, 0)

	cases, etag, notModified, err := f.Fetch(context.Background(), "")
	require.NoError(t, err)
	assert.False(t, notModified)
	assert.Equal(t, `"v1"`, etag)
	require.Len(t, cases, 1)
	assert.Equal(t, CaseRecord{Lat: 10, Lng: 20, Probability: 0.9, User: "ana", Organization: "VetLab", Date: "2024-05-01"}, cases[0])

	cases, etag, notModified, err = f.Fetch(context.Background(), `"v1"`)
	require.NoError(t, err)
	assert.True(t, notModified)
	assert.Nil(t, cases)
	assert.Equal(t, `"v1"`, etag)
}

func TestFetcherReportsStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	}))
	defer srv.Close()

	_, _, _, err := NewHTTPFetcher(srv.URL, 0).Fetch(context.Background(), "")
	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusBadGateway, statusErr.Code)
	assert.Equal(t, "boom", statusErr.Message)
	assert.False(t, statusErr.Reported)
}

func TestCaseRecordLongFieldNames(t *testing.T) {
	var rec CaseRecord
	err := json.Unmarshal([]byte(`{"lat":1,"lng":2,"probability":0.5,"organization":"Farm Co"}`), &rec)
	require.NoError(t, err)
	assert.Equal(t, 0.5, rec.Probability)
	assert.Equal(t, "Farm Co", rec.Organization)
}
