package extraction

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
)

var (
	ErrAlreadyRunning = errors.New("extraction already running")
	ErrNoActiveJob    = errors.New("no active extraction job")
	ErrNotPaused      = errors.New("extraction is not paused")
	ErrInvalidConfig  = errors.New("invalid job config")
	// ErrStopped is raised at a checkpoint once Stop was requested.
	ErrStopped = errors.New("extraction stopped")
)

// Code categorizes failures coming back from the external source.
type Code string

const (
	CodeAuth          Code = "AUTH_ERROR"
	CodeNavigation    Code = "NAVIGATION_ERROR"
	CodeTimeout       Code = "TIMEOUT_ERROR"
	CodeRateLimit     Code = "RATE_LIMIT_ERROR"
	CodeSecurityCheck Code = "SECURITY_CHECK"
	CodeDownload      Code = "DOWNLOAD_ERROR"
	CodeParsing       Code = "PARSING_ERROR"
	CodeGeneral       Code = "GENERAL_ERROR"
)

// Recoverable reports whether retrying a failure of this kind can succeed.
// Auth and security challenges need a human before the session is usable again.
func (c Code) Recoverable() bool {
	return c != CodeAuth && c != CodeSecurityCheck
}

// Error is a classified failure.
type Error struct {
	Code    Code
	Message string
	Context string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil && e.Cause.Error() != e.Message {
		return fmt.Sprintf("%s: %s (%v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

func (e *Error) Recoverable() bool { return e.Code.Recoverable() }

// NewError builds a classified error. Scrapers use it when they already know the kind.
func NewError(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Cause: cause}
}

// Record converts the error into an audit entry.
func (e *Error) Record(ctxInfo string) ErrorRecord {
	c := e.Context
	if ctxInfo != "" {
		c = ctxInfo
	}
	return ErrorRecord{Code: e.Code, Message: e.Message, Context: c, Recoverable: e.Recoverable()}
}

type pattern struct {
	code    Code
	phrases []string
	// statuses are HTTP codes matched as whole numbers only
	statuses []string
}

// Order matters: a challenge page often also mentions logging in, and a
// rate-limit page often mentions a timeout. Phrases are matched after URLs
// and paths are removed from the message, so ids and routes never decide
// the class.
var patterns = []pattern{
	{code: CodeSecurityCheck, phrases: []string{
		"security check", "security verification", "security checkpoint", "captcha",
		"verify you are human", "unusual activity", "just a moment", "checking your browser",
		"attention required", "automated access", "bot detected", "challenge page", "challenge required",
	}},
	{code: CodeAuth, phrases: []string{
		"not logged in", "login required", "login failed", "login rejected", "login page",
		"log in to continue", "sign in to continue", "authentication", "unauthorized", "forbidden",
		"invalid credentials", "session expired", "incorrect password", "invalid password",
	}, statuses: []string{"401", "403"}},
	{code: CodeRateLimit, phrases: []string{
		"too many requests", "rate limit", "rate-limit", "throttl", "slow down", "quota exceeded",
	}, statuses: []string{"429"}},
	{code: CodeTimeout, phrases: []string{
		"timeout", "timed out", "deadline exceeded",
	}},
	{code: CodeDownload, phrases: []string{
		"download", "attachment",
	}},
	{code: CodeParsing, phrases: []string{
		"parse", "parsing", "selector", "unmarshal", "invalid character", "unexpected end",
		"no element", "element not found", "malformed",
	}},
	{code: CodeNavigation, phrases: []string{
		"navigation", "navigate", "goto", "net::err", "not found", "frame was detached",
		"page closed", "target closed", "connection refused", "connection reset", "no such host",
		"bad gateway", "service unavailable",
	}, statuses: []string{"404", "502", "503", "504"}},
}

// whitespace-delimited tokens that carry a scheme or a path
var urlToken = regexp.MustCompile(`\S*(?:://|/)\S*`)

// Classify maps any error onto the taxonomy. Errors already carrying a Code
// keep it; context deadlines are timeouts; everything else is matched against
// known phrases and falls back to a recoverable General error.
func Classify(err error) *Error {
	if err == nil {
		return nil
	}
	var ce *Error
	if errors.As(err, &ce) {
		return ce
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Code: CodeTimeout, Message: err.Error(), Cause: err}
	}
	return &Error{Code: classifyMessage(err.Error()), Message: err.Error(), Cause: err}
}

func classifyMessage(msg string) Code {
	text := strings.ToLower(urlToken.ReplaceAllString(msg, " "))
	// a status is a standalone word, so "item-403" or "4031" never count
	words := make(map[string]bool)
	for _, w := range strings.Fields(text) {
		words[strings.Trim(w, `.,:;()[]"'`)] = true
	}
	for _, p := range patterns {
		for _, status := range p.statuses {
			if words[status] {
				return p.code
			}
		}
		for _, phrase := range p.phrases {
			if strings.Contains(text, phrase) {
				return p.code
			}
		}
	}
	return CodeGeneral
}
