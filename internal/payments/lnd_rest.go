package payments

import (
	"bufio"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/net/proxy"

	"invoicehook/internal/logging"
)

const (
	macaroonHeader = "Grpc-Metadata-macaroon"

	// maxStreamLine bounds a single JSON line on the subscription stream.
	maxStreamLine = 4 << 20
)

// LNDRestConfig holds configuration for the LND REST client.
type LNDRestConfig struct {
	Address     string // e.g. https://node.example.org:8080
	Macaroon    string // Hex encoded invoice macaroon
	TLSVerify   string // "false", "" / "true", or a path to tls.cert
	Socks5Proxy string // Optional socks5:// or socks5h:// proxy URL
}

// LNDRestClient implements NodeClient against LND's REST gateway.
type LNDRestClient struct {
	address  string
	macaroon string

	httpClient   *http.Client // bounded requests
	streamClient *http.Client // long-lived subscription, no overall timeout
}

type lndAddInvoiceRequest struct {
	ValueMsat       int64  `json:"value_msat"`
	Memo            string `json:"memo"`
	DescriptionHash string `json:"description_hash"`
	Expiry          int64  `json:"expiry"`
}

type lndAddInvoiceResponse struct {
	RHash          string    `json:"r_hash"`
	PaymentRequest string    `json:"payment_request"`
	AddIndex       lndUint64 `json:"add_index"`
	PaymentAddr    string    `json:"payment_addr"`
}

// lndUint64 accepts uint64 values encoded either as JSON numbers or as the
// quoted strings the REST gateway emits.
type lndUint64 uint64

func (u *lndUint64) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	if s == "null" {
		return nil
	}
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return errors.Errorf("invalid uint64 %s", data)
	}
	*u = lndUint64(v)
	return nil
}

// NewLNDRestClient creates a REST client. No connection is made until the
// first request.
func NewLNDRestClient(cfg LNDRestConfig) (*LNDRestClient, error) {
	if cfg.Address == "" {
		return nil, errors.New("lnd rest address is required")
	}

	transport, err := newRestTransport(cfg)
	if err != nil {
		return nil, err
	}

	return &LNDRestClient{
		address:  strings.TrimRight(cfg.Address, "/"),
		macaroon: cfg.Macaroon,
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   30 * time.Second,
		},
		streamClient: &http.Client{
			Transport: transport,
		},
	}, nil
}

func newRestTransport(cfg LNDRestConfig) (*http.Transport, error) {
	tlsConfig, err := loadTLSConfig(cfg.TLSVerify)
	if err != nil {
		return nil, err
	}

	dialer := &net.Dialer{Timeout: 30 * time.Second, KeepAlive: 30 * time.Second}
	transport := &http.Transport{
		DialContext:         dialer.DialContext,
		TLSClientConfig:     tlsConfig,
		TLSHandshakeTimeout: 10 * time.Second,
	}

	if cfg.Socks5Proxy != "" {
		proxyURL, err := url.Parse(cfg.Socks5Proxy)
		if err != nil {
			return nil, errors.Wrap(err, "parse socks5 proxy")
		}
		// The socks5 dialer always hands host names to the proxy for resolution.
		if proxyURL.Scheme == "socks5h" {
			proxyURL.Scheme = "socks5"
		}
		proxyDialer, err := proxy.FromURL(proxyURL, dialer)
		if err != nil {
			return nil, errors.Wrap(err, "create socks5 dialer")
		}
		contextDialer, ok := proxyDialer.(proxy.ContextDialer)
		if !ok {
			return nil, errors.New("socks5 dialer does not support contexts")
		}
		transport.DialContext = contextDialer.DialContext
	}

	return transport, nil
}

// descriptionHash returns the base64 encoded sha256 of the invoice memo.
func descriptionHash(description string) string {
	sum := sha256.Sum256([]byte(description))
	return base64.StdEncoding.EncodeToString(sum[:])
}

func (c *LNDRestClient) CreateInvoice(ctx context.Context, amountMsat int64, description string, expirySeconds int64) (*Invoice, error) {
	jsonBody, err := json.Marshal(lndAddInvoiceRequest{
		ValueMsat:       amountMsat,
		Memo:            description,
		DescriptionHash: descriptionHash(description),
		Expiry:          expirySeconds,
	})
	if err != nil {
		return nil, errors.Wrap(err, "marshal request")
	}

	logging.LND.Debugf("sending invoice request: %s", jsonBody)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.address+"/v1/invoices", bytes.NewReader(jsonBody))
	if err != nil {
		return nil, errors.Wrap(err, "create request")
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	req.Header.Set(macaroonHeader, c.macaroon)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "request failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		logging.LND.Errorf("no 200 from lnd: status=%d body=%s", resp.StatusCode, body)
		return nil, errors.Errorf("lnd returned status %d", resp.StatusCode)
	}

	var lndResp lndAddInvoiceResponse
	if err := json.NewDecoder(resp.Body).Decode(&lndResp); err != nil {
		return nil, errors.Wrap(err, "decode response")
	}
	if lndResp.AddIndex == 0 || lndResp.PaymentRequest == "" {
		return nil, errors.New("lnd did not provide an invoice")
	}

	logging.LND.Debugf("created invoice add_index=%d", lndResp.AddIndex)

	return &Invoice{
		Index:          uint64(lndResp.AddIndex),
		PaymentRequest: lndResp.PaymentRequest,
	}, nil
}

func (c *LNDRestClient) SubscribeSettlements(ctx context.Context) (SettlementStream, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.address+"/v1/invoices/subscribe", nil)
	if err != nil {
		return nil, errors.Wrap(err, "create request")
	}
	req.Header.Set(macaroonHeader, c.macaroon)

	resp, err := c.streamClient.Do(req)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil, errors.Errorf("subscribe returned status %d: %s", resp.StatusCode, body)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), maxStreamLine)

	return &restStream{body: resp.Body, scanner: scanner}, nil
}

func (c *LNDRestClient) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}

// restStream reads newline-delimited JSON messages from the gateway.
type restStream struct {
	body    io.ReadCloser
	scanner *bufio.Scanner
}

func (s *restStream) Recv() (*StreamMessage, error) {
	for s.scanner.Scan() {
		line := bytes.TrimSpace(s.scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		return decodeStreamLine(line), nil
	}
	if err := s.scanner.Err(); err != nil {
		return nil, err
	}
	return nil, io.EOF
}

func (s *restStream) Close() error {
	return s.body.Close()
}

// decodeStreamLine classifies one line of the subscription stream.
// Lines look like {"result": {...invoice...}} or {"error": {...}}.
func decodeStreamLine(line []byte) *StreamMessage {
	raw := append([]byte(nil), line...)

	var envelope struct {
		Result json.RawMessage `json:"result"`
		Error  json.RawMessage `json:"error"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return &StreamMessage{Kind: MessageMalformed, Err: errors.Wrap(err, "decode stream line"), Raw: raw}
	}

	if len(envelope.Error) > 0 && string(envelope.Error) != "null" {
		return &StreamMessage{Kind: MessageUpstreamError, Err: errors.Errorf("lnd: %s", envelope.Error), Raw: raw}
	}

	if len(envelope.Result) == 0 || string(envelope.Result) == "null" {
		return &StreamMessage{Kind: MessageMalformed, Err: errors.New("no result found"), Raw: raw}
	}

	var fields struct {
		AddIndex *lndUint64 `json:"add_index"`
		Settled  *bool      `json:"settled"`
		State    string     `json:"state"`
	}
	if err := json.Unmarshal(envelope.Result, &fields); err != nil {
		return &StreamMessage{Kind: MessageMalformed, Err: errors.Wrap(err, "decode invoice"), Raw: raw}
	}

	event := &SettlementEvent{Payload: envelope.Result}
	if fields.AddIndex != nil {
		index := uint64(*fields.AddIndex)
		event.Index = &index
	}
	switch {
	case fields.Settled != nil:
		event.Settled = fields.Settled
	case fields.State != "":
		settled := fields.State == "SETTLED"
		event.Settled = &settled
	}
	if err := event.Validate(); err != nil {
		return &StreamMessage{Kind: MessageMalformed, Err: err, Raw: raw}
	}

	return &StreamMessage{Kind: MessageSettlement, Event: event, Raw: raw}
}
