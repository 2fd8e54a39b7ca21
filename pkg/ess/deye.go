package ess

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/alexandertiopan1212/netzero-ems/pkg/common"
	"github.com/alexandertiopan1212/netzero-ems/pkg/log"
	"github.com/alexandertiopan1212/netzero-ems/pkg/metrics"
	"github.com/alexandertiopan1212/netzero-ems/pkg/types"
	"github.com/gammazero/workerpool"
	"github.com/go-playground/validator/v10"
	"github.com/levenlabs/go-lflag"
)

const (
	deyeTokenPath  = "v1.0/account/token"
	deyeLatestPath = "v1.0/device/latest"

	// a cached token is replaced this long before it expires
	tokenRefreshMargin = time.Minute
	defaultTokenTTL    = time.Hour

	maxConcurrentBatches = 4
)

type deyeCredentials struct {
	Email     string `validate:"required,email"`
	Password  string `validate:"required"`
	AppID     string `validate:"required"`
	AppSecret string `validate:"required"`
}

type token struct {
	value     string
	expiresAt time.Time
}

func (t token) valid(now time.Time) bool {
	return t.value != "" && now.Before(t.expiresAt.Add(-tokenRefreshMargin))
}

// Deye implements Source for the Deye developer cloud.
type Deye struct {
	client      *http.Client
	baseURL     string
	creds       deyeCredentials
	staticToken string
	devices     []string
	batchSize   int
	metrics     *metrics.Metrics
	now         func() time.Time

	mu  sync.Mutex
	tok token
}

func newDeye(client *http.Client, baseURL string) *Deye {
	return &Deye{
		client:    client,
		baseURL:   baseURL,
		batchSize: 10,
		now:       time.Now,
	}
}

// flagOrEnv returns the flag value, falling back to the environment variable.
func flagOrEnv(v *string, env string) string {
	if *v != "" {
		return *v
	}
	return os.Getenv(env)
}

func configuredDeye(m *metrics.Metrics) *Deye {
	baseURL := lflag.String("deye-base-url", "https://eu1-developer.deyecloud.com", "Deye developer cloud base URL")
	email := lflag.String("deye-email", "", "Deye account email (env DEYE_EMAIL)")
	password := lflag.String("deye-password", "", "Deye account password (env DEYE_PASSWORD)")
	appID := lflag.String("deye-app-id", "", "Deye developer app ID (env DEYE_APPID)")
	appSecret := lflag.String("deye-app-secret", "", "Deye developer app secret (env DEYE_APPSECRET)")
	staticToken := lflag.String("deye-token", "", "Pre-issued Deye access token, skips login (env DEYE_TOKEN)")
	devices := lflag.String("deye-devices", "", "Comma-separated inverter serial numbers to poll")
	batchSize := 10
	lflag.JSON(&batchSize, "deye-batch-size", batchSize, "Serial numbers per device/latest request")
	var perSecond float64
	lflag.JSON(&perSecond, "deye-requests-per-second", perSecond, "Maximum requests per second to the Deye cloud, 0 for unlimited")

	d := newDeye(nil, "")
	d.metrics = m

	lflag.Do(func() {
		d.baseURL = *baseURL
		d.client = common.RateLimitedHTTPClient(10*time.Second, perSecond)
		d.creds = deyeCredentials{
			Email:     flagOrEnv(email, "DEYE_EMAIL"),
			Password:  flagOrEnv(password, "DEYE_PASSWORD"),
			AppID:     flagOrEnv(appID, "DEYE_APPID"),
			AppSecret: flagOrEnv(appSecret, "DEYE_APPSECRET"),
		}
		d.staticToken = flagOrEnv(staticToken, "DEYE_TOKEN")
		d.devices = splitDevices(*devices)
		if batchSize > 0 {
			d.batchSize = batchSize
		}
	})

	return d
}

func splitDevices(s string) []string {
	var out []string
	for _, sn := range strings.Split(s, ",") {
		if sn = strings.TrimSpace(sn); sn != "" {
			out = append(out, sn)
		}
	}
	return out
}

// Validate checks that there is some way to authenticate. Credentials are
// only required when no static token is configured.
func (d *Deye) Validate() error {
	if len(d.devices) == 0 {
		return errors.New("no devices configured")
	}
	if d.staticToken != "" {
		return nil
	}
	if err := validator.New().Struct(d.creds); err != nil {
		return fmt.Errorf("invalid credentials: %w", err)
	}
	return nil
}

// Devices returns the configured serial numbers.
func (d *Deye) Devices() []string {
	return append([]string(nil), d.devices...)
}

type deyeTokenResponse struct {
	Success bool   `json:"success"`
	Msg     string `json:"msg"`
	Data    struct {
		Token     string `json:"token"`
		ExpiresIn int64  `json:"expiresIn"`
	} `json:"data"`
}

// accessToken returns the static token, the cached token if it is not close
// to expiring, or a fresh one from a new login.
func (d *Deye) accessToken(ctx context.Context) (string, error) {
	if d.staticToken != "" {
		return d.staticToken, nil
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	if d.tok.valid(now) {
		return d.tok.value, nil
	}

	tok, err := d.login(ctx, now)
	if err != nil {
		return "", err
	}
	d.tok = tok
	return tok.value, nil
}

// invalidate drops the cached token if it is still the one that was rejected.
func (d *Deye) invalidate(rejected string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.tok.value == rejected {
		d.tok = token{}
	}
}

func (d *Deye) login(ctx context.Context, now time.Time) (token, error) {
	log.Ctx(ctx).DebugContext(ctx, "logging in to deye")

	body := map[string]string{
		"email":     d.creds.Email,
		"password":  d.creds.Password,
		"appSecret": d.creds.AppSecret,
	}
	req, err := d.newPostJSONRequest(ctx, deyeTokenPath, url.Values{"appId": {d.creds.AppID}}, body)
	if err != nil {
		return token{}, err
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return token{}, fmt.Errorf("login failed: %w", err)
	}
	defer resp.Body.Close()
	d.metrics.CloudRequest(deyeTokenPath, resp.StatusCode)

	if resp.StatusCode != http.StatusOK {
		return token{}, fmt.Errorf("login failed: status %d", resp.StatusCode)
	}

	var tr deyeTokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return token{}, fmt.Errorf("failed to decode login response: %w", err)
	}
	if tr.Data.Token == "" {
		if tr.Msg != "" {
			return token{}, fmt.Errorf("login failed: %s", tr.Msg)
		}
		return token{}, errors.New("login returned no token")
	}

	ttl := defaultTokenTTL
	if tr.Data.ExpiresIn > 0 {
		ttl = time.Duration(tr.Data.ExpiresIn) * time.Second
	}
	d.metrics.TokenRefresh()
	log.Ctx(ctx).InfoContext(ctx, "deye login success", slog.Duration("ttl", ttl))
	return token{value: tr.Data.Token, expiresAt: now.Add(ttl)}, nil
}

func (d *Deye) newPostJSONRequest(ctx context.Context, endpoint string, params url.Values, data any) (*http.Request, error) {
	u, err := url.Parse(d.baseURL)
	if err != nil {
		return nil, err
	}
	u.Path, err = url.JoinPath(u.Path, endpoint)
	if err != nil {
		return nil, err
	}
	u.RawQuery = params.Encode()

	body, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return req, nil
}

// deyeValue keeps the raw text of a dataList value, which the cloud sends as
// either a JSON string or a number.
type deyeValue string

func (v *deyeValue) UnmarshalJSON(b []byte) error {
	if len(b) == 0 || string(b) == "null" {
		*v = ""
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*v = deyeValue(s)
		return nil
	}
	*v = deyeValue(b)
	return nil
}

type deyeDevice struct {
	DeviceSN       string `json:"deviceSn"`
	DeviceType     string `json:"deviceType"`
	DeviceState    int    `json:"deviceState"`
	CollectionTime int64  `json:"collectionTime"`
	DataList       []struct {
		Key   string    `json:"key"`
		Value deyeValue `json:"value"`
		Unit  string    `json:"unit"`
	} `json:"dataList"`
}

func (dd deyeDevice) toDeviceData() types.DeviceData {
	out := types.DeviceData{
		SN:             dd.DeviceSN,
		Type:           dd.DeviceType,
		State:          dd.DeviceState,
		CollectionTime: time.Unix(dd.CollectionTime, 0).UTC(),
		DataList:       make([]types.DataPoint, 0, len(dd.DataList)),
	}
	for _, p := range dd.DataList {
		out.DataList = append(out.DataList, types.DataPoint{
			Key:   p.Key,
			Value: string(p.Value),
			Unit:  p.Unit,
		})
	}
	return out
}

type deyeLatestResponse struct {
	Success        bool         `json:"success"`
	Msg            string       `json:"msg"`
	DeviceDataList []deyeDevice `json:"deviceDataList"`
}

// Latest fetches the latest collection for every serial. Serials are sent in
// batches which are requested concurrently. When some batches fail, the
// devices from the others are still returned along with the joined errors.
func (d *Deye) Latest(ctx context.Context, deviceSNs []string) ([]types.DeviceData, error) {
	if len(deviceSNs) == 0 {
		return nil, nil
	}

	size := d.batchSize
	if size <= 0 {
		size = len(deviceSNs)
	}
	var batches [][]string
	for start := 0; start < len(deviceSNs); start += size {
		end := min(start+size, len(deviceSNs))
		batches = append(batches, deviceSNs[start:end])
	}

	results := make([][]types.DeviceData, len(batches))
	errs := make([]error, len(batches))

	wp := workerpool.New(min(len(batches), maxConcurrentBatches))
	for i, batch := range batches {
		wp.Submit(func() {
			results[i], errs[i] = d.fetchBatch(ctx, batch)
			if errs[i] != nil {
				errs[i] = fmt.Errorf("batch %v: %w", batch, errs[i])
			}
		})
	}
	wp.StopWait()

	var devices []types.DeviceData
	for _, r := range results {
		devices = append(devices, r...)
	}
	return devices, errors.Join(errs...)
}

func (d *Deye) fetchBatch(ctx context.Context, sns []string) ([]types.DeviceData, error) {
	// two attempts in case the cached token was revoked before it expired
	for attempt := 0; attempt < 2; attempt++ {
		tok, err := d.accessToken(ctx)
		if err != nil {
			return nil, err
		}

		req, err := d.newPostJSONRequest(ctx, deyeLatestPath, nil, map[string][]string{"deviceList": sns})
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+tok)

		devices, retry, err := d.doLatest(req)
		if retry && attempt == 0 && d.staticToken == "" {
			log.Ctx(ctx).DebugContext(ctx, "deye token rejected, logging in again")
			d.invalidate(tok)
			continue
		}
		return devices, err
	}
	return nil, ErrUnauthorized
}

// doLatest performs the request. retry is true when the token was rejected.
func (d *Deye) doLatest(req *http.Request) ([]types.DeviceData, bool, error) {
	ctx := req.Context()
	resp, err := d.client.Do(req)
	if err != nil {
		return nil, false, err
	}
	defer resp.Body.Close()
	d.metrics.CloudRequest(deyeLatestPath, resp.StatusCode)

	if resp.StatusCode == http.StatusUnauthorized {
		return nil, true, ErrUnauthorized
	}
	if resp.StatusCode != http.StatusOK {
		return nil, false, fmt.Errorf("status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, false, err
	}

	var lr deyeLatestResponse
	if err := json.Unmarshal(body, &lr); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to decode deye response", slog.Any("error", err), slog.String("body", string(body)))
		return nil, false, fmt.Errorf("failed to decode deye response: %w", err)
	}
	if !lr.Success {
		if lr.Msg == "" {
			log.Ctx(ctx).ErrorContext(ctx, "deye api unknown error", slog.String("body", string(body)))
			return nil, false, errors.New("deye unknown error")
		}
		log.Ctx(ctx).ErrorContext(ctx, "deye api error", slog.String("message", lr.Msg))
		return nil, false, fmt.Errorf("deye api error: %s", lr.Msg)
	}

	devices := make([]types.DeviceData, 0, len(lr.DeviceDataList))
	for _, dd := range lr.DeviceDataList {
		devices = append(devices, dd.toDeviceData())
	}
	return devices, false, nil
}
