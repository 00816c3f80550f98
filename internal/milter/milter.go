// Package milt is the milter front-end: it collects each message from the
// MTA, analyses its headers and stamps the verdicts back onto the message.
package milt

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"net/textproto"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/emersion/go-milter"
	"go.uber.org/zap"

	"github.com/mail-cci/headerguard/internal/analyzer"
	"github.com/mail-cci/headerguard/internal/dkim"
	"github.com/mail-cci/headerguard/internal/ingest"
	"github.com/mail-cci/headerguard/internal/metrics"
	"github.com/mail-cci/headerguard/internal/scoring"
	"github.com/mail-cci/headerguard/internal/spf"
	"github.com/mail-cci/headerguard/internal/types"
	"github.com/mail-cci/headerguard/pkg/helpers"
)

const logPrefix = "[headerguard-milter] - "

// Stamped header names.
const (
	HeaderScore        = "X-Threat-Score"
	HeaderLevel        = "X-Threat-Level"
	HeaderSPF          = "X-Auth-SPF"
	HeaderDKIM         = "X-Auth-DKIM"
	HeaderDMARC        = "X-Auth-DMARC"
	HeaderSpamFlag     = "X-Spam-Flag"
	HeaderVerifiedSPF  = "X-Verified-SPF"
	HeaderVerifiedDKIM = "X-Verified-DKIM"
)

// Store persists analyses made by the milter.
type Store interface {
	SaveAnalysis(ctx context.Context, rec *types.AnalysisRecord) (int64, error)
}

// Settings are shared by every milter session.
type Settings struct {
	Logger     *zap.Logger
	Engine     *analyzer.Engine
	Thresholds scoring.Thresholds
	Verify     bool
	Store      Store
}

var (
	settingsMu sync.RWMutex
	settings   = Settings{Logger: zap.NewNop(), Thresholds: scoring.DefaultThresholds}
)

// Init replaces the session settings. Sessions already running keep the
// settings they started with.
func Init(s Settings) {
	if s.Logger == nil {
		s.Logger = zap.NewNop()
	}
	if s.Engine == nil {
		s.Engine = analyzer.New(analyzer.WithLogger(s.Logger))
	}
	if s.Thresholds == (scoring.Thresholds{}) {
		s.Thresholds = scoring.DefaultThresholds
	}
	settingsMu.Lock()
	settings = s
	settingsMu.Unlock()
}

func currentSettings() Settings {
	settingsMu.RLock()
	defer settingsMu.RUnlock()
	return settings
}

// headerAdder is satisfied by *milter.Modifier.
type headerAdder interface {
	AddHeader(name, value string) error
}

type Email struct {
	Settings

	id         string
	from       string
	clientIP   net.IP
	heloHost   string
	recipients []string
	headers    []string
	rawBody    bytes.Buffer

	result types.AnalysisResult
	level  types.ThreatLevel
}

// Reset clears all fields so the Email instance can be reused.
func (e *Email) Reset() {
	e.Settings = Settings{}
	e.id = ""
	e.from = ""
	e.clientIP = nil
	e.heloHost = ""
	e.recipients = nil
	e.headers = nil
	e.rawBody.Reset()
	e.result = types.AnalysisResult{}
	e.level = ""
}

var emailPool = sync.Pool{
	New: func() interface{} { return new(Email) },
}

// MailProcessor returns a session bound to the current settings.
func MailProcessor() *Email {
	e := emailPool.Get().(*Email)
	e.Reset()
	e.Settings = currentSettings()
	if e.Engine == nil {
		e.Engine = analyzer.New()
	}
	e.id = helpers.GenerateCorrelationID()
	return e
}

func (e *Email) Connect(host string, family string, port uint16, addr net.IP, m *milter.Modifier) (milter.Response, error) {
	e.clientIP = addr
	e.Logger.Debug(logPrefix+"Connect",
		zap.String("host", host),
		zap.String("family", family),
		zap.Uint16("port", port),
		zap.Stringer("addr", addr),
		zap.String("correlation_id", e.id))
	return milter.RespContinue, nil
}

func (e *Email) Helo(name string, m *milter.Modifier) (milter.Response, error) {
	e.heloHost = name
	e.Logger.Debug(logPrefix+"Helo",
		zap.String("name", name),
		zap.String("correlation_id", e.id))
	return milter.RespContinue, nil
}

func (e *Email) MailFrom(from string, m *milter.Modifier) (milter.Response, error) {
	e.resetMessage()
	e.from = helpers.TrimAngle(from)
	e.Logger.Debug(logPrefix+"MailFrom",
		zap.String("from", e.from),
		zap.String("correlation_id", e.id))
	return milter.RespContinue, nil
}

func (e *Email) RcptTo(rcptTo string, m *milter.Modifier) (milter.Response, error) {
	e.recipients = append(e.recipients, helpers.TrimAngle(rcptTo))
	e.Logger.Debug(logPrefix+"RcptTo",
		zap.String("rcpt_to", rcptTo),
		zap.String("correlation_id", e.id))
	return milter.RespContinue, nil
}

// Header records one header in arrival order.
func (e *Email) Header(name string, value string, m *milter.Modifier) (milter.Response, error) {
	e.headers = append(e.headers, name+": "+value)
	return milter.RespContinue, nil
}

// Headers is called once all headers were sent. When no individual headers
// were seen the map is used instead, in sorted key order.
func (e *Email) Headers(h textproto.MIMEHeader, m *milter.Modifier) (milter.Response, error) {
	if len(e.headers) == 0 && len(h) > 0 {
		keys := make([]string, 0, len(h))
		for k := range h {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			for _, v := range h[k] {
				e.headers = append(e.headers, k+": "+v)
			}
		}
	}
	e.Logger.Debug(logPrefix+"Headers",
		zap.Int("count", len(e.headers)),
		zap.String("correlation_id", e.id))
	return milter.RespContinue, nil
}

func (e *Email) BodyChunk(chunk []byte, m *milter.Modifier) (milter.Response, error) {
	e.rawBody.Write(chunk)
	return milter.RespContinue, nil
}

// Body analyses the collected message and stamps the result. The message is
// always accepted.
func (e *Email) Body(m *milter.Modifier) (milter.Response, error) {
	var adder headerAdder
	if m != nil {
		adder = m
	}
	e.process(context.Background(), adder)
	return milter.RespAccept, nil
}

func (e *Email) headerText() string {
	return strings.Join(e.headers, "\n")
}

func (e *Email) rawMessage() []byte {
	var buf bytes.Buffer
	for _, h := range e.headers {
		buf.WriteString(h)
		buf.WriteString("\r\n")
	}
	buf.WriteString("\r\n")
	buf.Write(e.rawBody.Bytes())
	return buf.Bytes()
}

func (e *Email) process(ctx context.Context, adder headerAdder) {
	start := time.Now()
	headerText := e.headerText()
	body := ingest.TextBody(headerText, e.rawBody.String())

	e.result = e.Engine.Analyze(headerText, body)
	e.level = e.Thresholds.Level(e.result.ThreatScore)
	metrics.ObserveAnalysis("milter", e.result)

	var spfRes, dkimRes *types.VerificationResult
	if e.Verify {
		spfRes, dkimRes = e.verify(ctx)
	}

	if adder != nil {
		e.stamp(adder, spfRes, dkimRes)
	}

	if e.Store != nil {
		rec := &types.AnalysisRecord{
			CorrelationID: e.id,
			Source:        "milter",
			HeaderHash:    helpers.HashHeaders(headerText, body),
			Result:        e.result,
			Level:         e.level,
		}
		if _, err := e.Store.SaveAnalysis(ctx, rec); err != nil {
			e.Logger.Error("saving analysis", zap.String("correlation_id", e.id), zap.Error(err))
		}
	}

	e.Logger.Info("email processed",
		zap.String("correlation_id", e.id),
		zap.String("from", e.from),
		zap.Strings("recipients", e.recipients),
		zap.Stringer("ip", e.clientIP),
		zap.String("spf", e.result.SPF.String()),
		zap.String("dkim", e.result.DKIM.String()),
		zap.String("dmarc", e.result.DMARC.String()),
		zap.Int("threat_score", e.result.ThreatScore),
		zap.String("level", string(e.level)),
		zap.Strings("indicators", e.result.Indicators),
		zap.Duration("duration", time.Since(start)),
	)
}

func (e *Email) verify(ctx context.Context) (spfRes, dkimRes *types.VerificationResult) {
	var wg sync.WaitGroup

	if helpers.ValidSender(e.from) && e.clientIP != nil {
		domain := helpers.ExtractDomain(e.from)
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := spf.Verify(ctx, e.clientIP, domain, e.from)
			if err != nil {
				e.Logger.Warn("spf verification failed", zap.String("correlation_id", e.id), zap.Error(err))
			}
			spfRes = res
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		res, err := dkim.Verify(ctx, e.rawMessage())
		if err != nil {
			e.Logger.Warn("dkim verification failed", zap.String("correlation_id", e.id), zap.Error(err))
		}
		dkimRes = res
	}()

	wg.Wait()
	return spfRes, dkimRes
}

func (e *Email) stamp(adder headerAdder, spfRes, dkimRes *types.VerificationResult) {
	add := func(name, value string) {
		if err := adder.AddHeader(name, value); err != nil {
			e.Logger.Error("adding header", zap.String("header", name), zap.Error(err))
		}
	}

	add(HeaderScore, strconv.Itoa(e.result.ThreatScore))
	add(HeaderLevel, string(e.level))
	add(HeaderSPF, e.result.SPF.String())
	add(HeaderDKIM, e.result.DKIM.String())
	add(HeaderDMARC, e.result.DMARC.String())
	if e.level == types.LevelHigh {
		add(HeaderSpamFlag, "YES")
	}
	if spfRes != nil {
		add(HeaderVerifiedSPF, verificationValue(spfRes))
	}
	if dkimRes != nil {
		add(HeaderVerifiedDKIM, verificationValue(dkimRes))
	}
}

func verificationValue(r *types.VerificationResult) string {
	if r.Domain == "" {
		return r.Result
	}
	return fmt.Sprintf("%s (%s)", r.Result, r.Domain)
}

func (e *Email) Abort(m *milter.Modifier) error {
	e.Logger.Debug(logPrefix+"Abort", zap.String("correlation_id", e.id))
	e.resetMessage()
	return nil
}

// resetMessage clears the per-message state while keeping the connection
// fields.
func (e *Email) resetMessage() {
	e.from = ""
	e.recipients = nil
	e.headers = nil
	e.rawBody.Reset()
	e.result = types.AnalysisResult{}
	e.level = ""
}

// Close is called when the milter session ends.
func (e *Email) Close() error {
	if e.Logger != nil {
		e.Logger.Debug(logPrefix+"Close", zap.String("correlation_id", e.id))
	}
	e.Reset()
	emailPool.Put(e)
	return nil
}

// ID returns the session correlation ID.
func (e *Email) ID() string { return e.id }

// Result returns the last analysis result and its level.
func (e *Email) Result() (types.AnalysisResult, types.ThreatLevel) { return e.result, e.level }
