// Copyright (c) Ken Bannister
// SPDX-License-Identifier: MPL-2.0

package scenario

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/kb2ma/gcoap-test/pkg/coap"
	gerrors "github.com/kb2ma/gcoap-test/pkg/errors"
	"github.com/kb2ma/gcoap-test/pkg/exchange"
)

// DefaultCaseTimeout bounds a single case when neither the scenario nor
// the case sets one.
const DefaultCaseTimeout = 10 * time.Second

// Scenario is an ordered list of test cases against one target. All
// fields are immutable once loaded.
type Scenario struct {
	// Name labels the run in logs and reports. Defaults to the file name.
	Name string `yaml:"name"`

	// Target is the server address (host:port). May be left empty and
	// supplied on the command line instead.
	Target string `yaml:"target"`

	// Concurrency bounds case fan-out. 0 or 1 runs cases sequentially.
	Concurrency int `yaml:"concurrency"`

	// Rate paces sends in requests per second. 0 disables pacing.
	Rate float64 `yaml:"rate"`

	Defaults     Defaults     `yaml:"defaults"`
	Transmission Transmission `yaml:"transmission"`
	Cases        []Case       `yaml:"cases"`

	params exchange.TransmissionParams
}

// Defaults apply to every case that does not override them.
type Defaults struct {
	// Type is the message type for requests, CON or NON. Default CON.
	Type string `yaml:"type"`

	// Timeout is the per-case deadline, e.g. "5s". Default 10s.
	Timeout string `yaml:"timeout"`
}

// Transmission overrides the RFC 7252 transmission parameters.
// Durations are strings like "2s"; zero values keep the defaults.
type Transmission struct {
	AckTimeout      string  `yaml:"ack_timeout"`
	AckRandomFactor float64 `yaml:"ack_random_factor"`
	MaxRetransmit   int     `yaml:"max_retransmit"`
	ResponseTimeout string  `yaml:"response_timeout"`
}

// Case is one request and its expectation.
type Case struct {
	Name    string  `yaml:"name"`
	Request Request `yaml:"request"`
	Expect  Expect  `yaml:"expect"`

	// Timeout overrides the scenario default deadline for this case.
	Timeout string `yaml:"timeout"`

	method  coap.Code
	msgType coap.Type
	payload []byte
	format  *coap.MediaType
	timeout time.Duration

	expCode    *coap.Code
	expType    *coap.Type
	expPayload *string
	expRegex   *regexp.Regexp
}

// Request is the message template for a case.
type Request struct {
	// Method is GET, POST, PUT or DELETE (or dotted form like "0.01").
	Method string `yaml:"method"`

	// Type overrides the default message type, CON or NON.
	Type string `yaml:"type"`

	// Path is the request path, e.g. "/ver".
	Path string `yaml:"path"`

	// Queries are Uri-Query values, e.g. "count=3".
	Queries []string `yaml:"queries"`

	// Payload is a literal string payload. PayloadHex supplies raw
	// bytes instead; the two conflict.
	Payload    string `yaml:"payload"`
	PayloadHex string `yaml:"payload_hex"`

	// Format is the Content-Format option value (0 = text/plain).
	Format *uint16 `yaml:"format"`
}

// Expect describes the acceptable outcome of a case. An empty Expect
// passes on any response. At most one payload matcher may be set.
type Expect struct {
	// Code is the expected response code, by name ("Content") or dotted
	// form ("2.05").
	Code string `yaml:"code"`

	// Type is the expected response message type (ACK, NON, CON, RST).
	Type string `yaml:"type"`

	// Payload matches the response payload exactly. An empty string
	// requires an empty payload.
	Payload *string `yaml:"payload"`

	// PayloadContains matches a substring of the payload.
	PayloadContains string `yaml:"payload_contains"`

	// PayloadRegex matches the payload against a regular expression.
	PayloadRegex string `yaml:"payload_regex"`

	// Timeout expects the exchange to time out: silence is the passing
	// outcome. Conflicts with the fields above.
	Timeout bool `yaml:"timeout"`
}

// Load reads and validates a scenario file.
func Load(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: read scenario: %v", gerrors.ErrConfig, err)
	}
	s, err := Parse(data)
	if err != nil {
		return nil, gerrors.Wrap(err, path)
	}
	if s.Name == "" {
		base := filepath.Base(path)
		s.Name = strings.TrimSuffix(base, filepath.Ext(base))
	}
	return s, nil
}

// Parse validates a scenario document. All parse and consistency
// failures wrap errors.ErrConfig so a run fails fast before any
// network I/O.
func Parse(data []byte) (*Scenario, error) {
	var s Scenario
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("%w: parse scenario: %v", gerrors.ErrConfig, err)
	}
	if err := s.compile(); err != nil {
		return nil, err
	}
	return &s, nil
}

func (s *Scenario) compile() error {
	if len(s.Cases) == 0 {
		return fmt.Errorf("%w: scenario has no cases", gerrors.ErrConfig)
	}
	if s.Concurrency < 0 {
		return fmt.Errorf("%w: negative concurrency", gerrors.ErrConfig)
	}
	if s.Rate < 0 {
		return fmt.Errorf("%w: negative rate", gerrors.ErrConfig)
	}

	defType := coap.Confirmable
	if s.Defaults.Type != "" {
		t, err := parseRequestType(s.Defaults.Type)
		if err != nil {
			return fmt.Errorf("%w: defaults: %v", gerrors.ErrConfig, err)
		}
		defType = t
	}
	defTimeout := DefaultCaseTimeout
	if s.Defaults.Timeout != "" {
		d, err := parseTimeout(s.Defaults.Timeout)
		if err != nil {
			return fmt.Errorf("%w: defaults: %v", gerrors.ErrConfig, err)
		}
		defTimeout = d
	}

	if err := s.compileTransmission(); err != nil {
		return err
	}

	seen := make(map[string]bool, len(s.Cases))
	for i := range s.Cases {
		c := &s.Cases[i]
		if c.Name == "" {
			return fmt.Errorf("%w: case %d has no name", gerrors.ErrConfig, i+1)
		}
		if seen[c.Name] {
			return fmt.Errorf("%w: duplicate case name %q", gerrors.ErrConfig, c.Name)
		}
		seen[c.Name] = true
		if err := c.compile(defType, defTimeout); err != nil {
			return fmt.Errorf("%w: case %q: %v", gerrors.ErrConfig, c.Name, err)
		}
	}
	return nil
}

func (s *Scenario) compileTransmission() error {
	var p exchange.TransmissionParams
	var err error
	if s.Transmission.AckTimeout != "" {
		if p.AckTimeout, err = parseTimeout(s.Transmission.AckTimeout); err != nil {
			return fmt.Errorf("%w: transmission: %v", gerrors.ErrConfig, err)
		}
	}
	if s.Transmission.ResponseTimeout != "" {
		if p.ResponseTimeout, err = parseTimeout(s.Transmission.ResponseTimeout); err != nil {
			return fmt.Errorf("%w: transmission: %v", gerrors.ErrConfig, err)
		}
	}
	if s.Transmission.AckRandomFactor < 0 {
		return fmt.Errorf("%w: transmission: negative ack_random_factor", gerrors.ErrConfig)
	}
	p.AckRandomFactor = s.Transmission.AckRandomFactor
	p.MaxRetransmit = s.Transmission.MaxRetransmit
	s.params = p
	return nil
}

// TransmissionParams returns the scenario's transmission overrides,
// zero-valued where the file does not set them.
func (s *Scenario) TransmissionParams() exchange.TransmissionParams {
	return s.params
}

func (c *Case) compile(defType coap.Type, defTimeout time.Duration) error {
	code, err := coap.ParseCode(c.Request.Method)
	if err != nil {
		return err
	}
	if !code.IsRequest() {
		return fmt.Errorf("method %q is not a request code", c.Request.Method)
	}
	c.method = code

	c.msgType = defType
	if c.Request.Type != "" {
		if c.msgType, err = parseRequestType(c.Request.Type); err != nil {
			return err
		}
	}

	if c.Request.Payload != "" && c.Request.PayloadHex != "" {
		return fmt.Errorf("payload and payload_hex conflict")
	}
	c.payload = []byte(c.Request.Payload)
	if c.Request.PayloadHex != "" {
		if c.payload, err = hex.DecodeString(c.Request.PayloadHex); err != nil {
			return fmt.Errorf("payload_hex: %v", err)
		}
	}
	if c.Request.Format != nil {
		mt := coap.MediaType(*c.Request.Format)
		c.format = &mt
	}

	c.timeout = defTimeout
	if c.Timeout != "" {
		if c.timeout, err = parseTimeout(c.Timeout); err != nil {
			return err
		}
	}

	return c.compileExpect()
}

func (c *Case) compileExpect() error {
	e := c.Expect

	matchers := 0
	if e.Payload != nil {
		matchers++
		c.expPayload = e.Payload
	}
	if e.PayloadContains != "" {
		matchers++
	}
	if e.PayloadRegex != "" {
		matchers++
		re, err := regexp.Compile(e.PayloadRegex)
		if err != nil {
			return fmt.Errorf("payload_regex: %v", err)
		}
		c.expRegex = re
	}
	if matchers > 1 {
		return fmt.Errorf("more than one payload matcher")
	}

	if e.Timeout && (e.Code != "" || e.Type != "" || matchers > 0) {
		return fmt.Errorf("expect.timeout conflicts with response matchers")
	}

	if e.Code != "" {
		code, err := coap.ParseCode(e.Code)
		if err != nil {
			return err
		}
		c.expCode = &code
	}
	if e.Type != "" {
		t, err := coap.ParseType(e.Type)
		if err != nil {
			return err
		}
		c.expType = &t
	}
	return nil
}

// Build renders the case's request with the given message ID and token.
func (c *Case) Build(mid uint16, token []byte) coap.Message {
	m := coap.Message{
		Type:      c.msgType,
		Code:      c.method,
		MessageID: mid,
		Token:     token,
		Payload:   c.payload,
	}
	m.SetPathString(c.Request.Path)
	for _, q := range c.Request.Queries {
		m.AddQuery(q)
	}
	if c.format != nil {
		m.AddOptionUint(coap.ContentFormat, uint32(*c.format))
	}
	return m
}

// Deadline is the effective per-case deadline.
func (c *Case) Deadline() time.Duration {
	return c.timeout
}

// ExpectsTimeout reports whether silence is the passing outcome.
func (c *Case) ExpectsTimeout() bool {
	return c.Expect.Timeout
}

// Check compares a response against the expectation. The returned
// detail explains the first mismatch.
func (c *Case) Check(resp *coap.Message) (ok bool, detail string) {
	if resp == nil {
		return false, "no response"
	}
	if c.expType != nil && resp.Type != *c.expType {
		return false, fmt.Sprintf("type = %v, want %v", resp.Type, *c.expType)
	}
	if c.expCode != nil && resp.Code != *c.expCode {
		return false, fmt.Sprintf("code = %s, want %s", resp.Code.Dotted(), c.expCode.Dotted())
	}
	body := string(resp.Payload)
	if c.expPayload != nil && body != *c.expPayload {
		return false, fmt.Sprintf("payload = %q, want %q", body, *c.expPayload)
	}
	if c.Expect.PayloadContains != "" && !strings.Contains(body, c.Expect.PayloadContains) {
		return false, fmt.Sprintf("payload = %q, want substring %q", body, c.Expect.PayloadContains)
	}
	if c.expRegex != nil && !c.expRegex.MatchString(body) {
		return false, fmt.Sprintf("payload = %q, want match for %q", body, c.expRegex)
	}
	return true, ""
}

func parseRequestType(s string) (coap.Type, error) {
	t, err := coap.ParseType(s)
	if err != nil {
		return 0, err
	}
	if t != coap.Confirmable && t != coap.NonConfirmable {
		return 0, fmt.Errorf("request type must be CON or NON, not %v", t)
	}
	return t, nil
}

func parseTimeout(s string) (time.Duration, error) {
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return 0, fmt.Errorf("timeout %q is not positive", s)
	}
	return d, nil
}
