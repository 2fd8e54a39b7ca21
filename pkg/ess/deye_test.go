package ess

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alexandertiopan1212/netzero-ems/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeDeyeCloud struct {
	t *testing.T

	logins    atomic.Int32
	latests   atomic.Int32
	expiresIn int64

	mu       sync.Mutex
	tokens   []string
	rejectOn map[string]bool // token -> answer 401
	failSN   string          // batches containing this serial get a 500
	apiError string
}

func (f *fakeDeyeCloud) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1.0/account/token", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(f.t, "app-1", r.URL.Query().Get("appId"))
		var body map[string]string
		require.NoError(f.t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(f.t, "user@example.com", body["email"])
		assert.Equal(f.t, "pass", body["password"])
		assert.Equal(f.t, "secret", body["appSecret"])

		n := f.logins.Add(1)
		tok := fmt.Sprintf("tok-%d", n)
		f.mu.Lock()
		f.tokens = append(f.tokens, tok)
		f.mu.Unlock()

		data := map[string]any{"token": tok}
		if f.expiresIn > 0 {
			data["expiresIn"] = f.expiresIn
		}
		json.NewEncoder(w).Encode(map[string]any{"success": true, "data": data})
	})
	mux.HandleFunc("POST /v1.0/device/latest", func(w http.ResponseWriter, r *http.Request) {
		f.latests.Add(1)
		tok := r.Header.Get("Authorization")
		f.mu.Lock()
		reject := f.rejectOn[tok]
		f.mu.Unlock()
		if reject {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}

		var body struct {
			DeviceList []string `json:"deviceList"`
		}
		require.NoError(f.t, json.NewDecoder(r.Body).Decode(&body))

		if f.apiError != "" {
			json.NewEncoder(w).Encode(map[string]any{"success": false, "msg": f.apiError})
			return
		}

		var devices []map[string]any
		for _, sn := range body.DeviceList {
			if sn == f.failSN {
				w.WriteHeader(http.StatusInternalServerError)
				return
			}
			devices = append(devices, map[string]any{
				"deviceSn":       sn,
				"deviceType":     "INVERTER",
				"deviceState":    1,
				"collectionTime": 1700000000,
				"dataList": []map[string]any{
					{"key": "TotalSolarPower", "value": "3000.5", "unit": "W"},
					{"key": "SOC", "value": 64, "unit": "%"},
					{"key": "", "value": "n/a", "unit": ""},
				},
			})
		}
		json.NewEncoder(w).Encode(map[string]any{"success": true, "deviceDataList": devices})
	})
	return mux
}

func newTestDeye(t *testing.T, cloud *fakeDeyeCloud) *Deye {
	ts := httptest.NewServer(cloud.handler())
	t.Cleanup(ts.Close)

	d := newDeye(ts.Client(), ts.URL)
	d.creds = deyeCredentials{
		Email:     "user@example.com",
		Password:  "pass",
		AppID:     "app-1",
		AppSecret: "secret",
	}
	d.devices = []string{"2303058755"}
	return d
}

func TestDeyeLatest(t *testing.T) {
	ctx := context.Background()

	t.Run("login then fetch", func(t *testing.T) {
		cloud := &fakeDeyeCloud{t: t, expiresIn: 7200}
		d := newTestDeye(t, cloud)

		devices, err := d.Latest(ctx, []string{"2303058755"})
		require.NoError(t, err)
		require.Len(t, devices, 1)

		dev := devices[0]
		assert.Equal(t, "2303058755", dev.SN)
		assert.Equal(t, "INVERTER", dev.Type)
		assert.Equal(t, 1, dev.State)
		assert.Equal(t, time.Unix(1700000000, 0).UTC(), dev.CollectionTime)
		assert.Equal(t, []types.DataPoint{
			{Key: "TotalSolarPower", Value: "3000.5", Unit: "W"},
			{Key: "SOC", Value: "64", Unit: "%"},
			{Key: "", Value: "n/a", Unit: ""},
		}, dev.DataList)

		assert.EqualValues(t, 1, cloud.logins.Load())
		assert.Equal(t, "tok-1", d.tok.value)
	})

	t.Run("cached token is reused", func(t *testing.T) {
		cloud := &fakeDeyeCloud{t: t}
		d := newTestDeye(t, cloud)

		for i := 0; i < 3; i++ {
			_, err := d.Latest(ctx, []string{"2303058755"})
			require.NoError(t, err)
		}
		assert.EqualValues(t, 1, cloud.logins.Load())
		assert.EqualValues(t, 3, cloud.latests.Load())
	})

	t.Run("token refreshed close to expiry", func(t *testing.T) {
		cloud := &fakeDeyeCloud{t: t, expiresIn: 3600}
		d := newTestDeye(t, cloud)

		now := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
		d.now = func() time.Time { return now }

		_, err := d.Latest(ctx, []string{"2303058755"})
		require.NoError(t, err)

		now = now.Add(58 * time.Minute)
		_, err = d.Latest(ctx, []string{"2303058755"})
		require.NoError(t, err)
		assert.EqualValues(t, 1, cloud.logins.Load())

		// inside the one minute margin
		now = now.Add(90 * time.Second)
		_, err = d.Latest(ctx, []string{"2303058755"})
		require.NoError(t, err)
		assert.EqualValues(t, 2, cloud.logins.Load())
	})

	t.Run("static token skips login", func(t *testing.T) {
		cloud := &fakeDeyeCloud{t: t}
		d := newTestDeye(t, cloud)
		d.staticToken = "static"

		_, err := d.Latest(ctx, []string{"2303058755"})
		require.NoError(t, err)
		assert.EqualValues(t, 0, cloud.logins.Load())
	})

	t.Run("static token rejected", func(t *testing.T) {
		cloud := &fakeDeyeCloud{t: t, rejectOn: map[string]bool{"Bearer static": true}}
		d := newTestDeye(t, cloud)
		d.staticToken = "static"

		_, err := d.Latest(ctx, []string{"2303058755"})
		assert.ErrorIs(t, err, ErrUnauthorized)
		assert.EqualValues(t, 1, cloud.latests.Load())
	})

	t.Run("401 drops the token and retries once", func(t *testing.T) {
		cloud := &fakeDeyeCloud{t: t, rejectOn: map[string]bool{"Bearer tok-1": true}}
		d := newTestDeye(t, cloud)

		devices, err := d.Latest(ctx, []string{"2303058755"})
		require.NoError(t, err)
		assert.Len(t, devices, 1)
		assert.EqualValues(t, 2, cloud.logins.Load())
		assert.EqualValues(t, 2, cloud.latests.Load())
		assert.Equal(t, "tok-2", d.tok.value)
	})

	t.Run("401 twice gives up", func(t *testing.T) {
		cloud := &fakeDeyeCloud{t: t, rejectOn: map[string]bool{"Bearer tok-1": true, "Bearer tok-2": true}}
		d := newTestDeye(t, cloud)

		_, err := d.Latest(ctx, []string{"2303058755"})
		assert.ErrorIs(t, err, ErrUnauthorized)
		assert.EqualValues(t, 2, cloud.latests.Load())
	})

	t.Run("success false is an error", func(t *testing.T) {
		cloud := &fakeDeyeCloud{t: t, apiError: "device not bound"}
		d := newTestDeye(t, cloud)

		devices, err := d.Latest(ctx, []string{"2303058755"})
		assert.ErrorContains(t, err, "device not bound")
		assert.Empty(t, devices)
	})

	t.Run("batches are fetched concurrently", func(t *testing.T) {
		cloud := &fakeDeyeCloud{t: t}
		d := newTestDeye(t, cloud)
		d.batchSize = 2

		sns := []string{"a", "b", "c", "d", "e"}
		devices, err := d.Latest(ctx, sns)
		require.NoError(t, err)
		assert.EqualValues(t, 3, cloud.latests.Load())
		assert.EqualValues(t, 1, cloud.logins.Load(), "concurrent batches share one login")

		var got []string
		for _, dev := range devices {
			got = append(got, dev.SN)
		}
		assert.Equal(t, sns, got, "results keep request order")
	})

	t.Run("partial failure keeps the good batches", func(t *testing.T) {
		cloud := &fakeDeyeCloud{t: t, failSN: "c"}
		d := newTestDeye(t, cloud)
		d.batchSize = 2

		devices, err := d.Latest(ctx, []string{"a", "b", "c", "d", "e"})
		require.Error(t, err)
		assert.ErrorContains(t, err, "status 500")

		var got []string
		for _, dev := range devices {
			got = append(got, dev.SN)
		}
		sort.Strings(got)
		assert.Equal(t, []string{"a", "b", "e"}, got)
	})

	t.Run("no devices", func(t *testing.T) {
		cloud := &fakeDeyeCloud{t: t}
		d := newTestDeye(t, cloud)
		devices, err := d.Latest(ctx, nil)
		require.NoError(t, err)
		assert.Empty(t, devices)
		assert.EqualValues(t, 0, cloud.logins.Load())
	})
}

func TestDeyeLoginFailure(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"success": false, "msg": "bad password"})
	}))
	defer ts.Close()

	d := newDeye(ts.Client(), ts.URL)
	d.creds = deyeCredentials{Email: "user@example.com", Password: "x", AppID: "a", AppSecret: "s"}

	_, err := d.Latest(context.Background(), []string{"1"})
	assert.ErrorContains(t, err, "bad password")
	assert.Empty(t, d.tok.value)
}

func TestDeyeValidate(t *testing.T) {
	d := newDeye(nil, "")
	assert.ErrorContains(t, d.Validate(), "no devices")

	d.devices = []string{"1"}
	assert.ErrorContains(t, d.Validate(), "invalid credentials")

	d.creds = deyeCredentials{Email: "not-an-email", Password: "p", AppID: "a", AppSecret: "s"}
	assert.Error(t, d.Validate())

	d.creds.Email = "user@example.com"
	assert.NoError(t, d.Validate())

	d.creds = deyeCredentials{}
	d.staticToken = "static"
	assert.NoError(t, d.Validate())
}

func TestSplitDevices(t *testing.T) {
	assert.Equal(t, []string{"2303058755", "2210274681"}, splitDevices(" 2303058755, ,2210274681,"))
	assert.Nil(t, splitDevices(""))
}

func TestToken(t *testing.T) {
	now := time.Now()
	assert.False(t, token{}.valid(now))
	assert.True(t, token{value: "x", expiresAt: now.Add(2 * time.Minute)}.valid(now))
	assert.False(t, token{value: "x", expiresAt: now.Add(30 * time.Second)}.valid(now))
}

func TestDeyeContextCancelled(t *testing.T) {
	cloud := &fakeDeyeCloud{t: t}
	d := newTestDeye(t, cloud)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := d.Latest(ctx, []string{"1"})
	assert.True(t, errors.Is(err, context.Canceled))
}
