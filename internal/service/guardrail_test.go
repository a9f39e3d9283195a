package service

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"guardbench/internal/model"
)

// stubGuardrail 测试用护栏
type stubGuardrail struct {
	name  string
	check func(ctx context.Context, text string) model.GuardrailOutcome
	calls atomic.Int64
}

func (s *stubGuardrail) Name() string { return s.name }

func (s *stubGuardrail) Check(ctx context.Context, text string) model.GuardrailOutcome {
	s.calls.Add(1)
	return s.check(ctx, text)
}

func TestRegistryResolve(t *testing.T) {
	reg := NewGuardrailRegistry(0, nil, NewKeywordGuardrail(nil), mustPattern(t), nil)

	assert.Equal(t, []string{GuardrailKeyword, GuardrailPattern}, reg.Names())

	got, err := reg.Resolve([]string{"pii_pattern", "keyword"})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, GuardrailPattern, got[0].Name())
	assert.Equal(t, GuardrailKeyword, got[1].Name())

	_, err = reg.Resolve([]string{"lakera"})
	assert.Error(t, err)
	_, err = reg.Resolve([]string{"keyword", "keyword"})
	assert.Error(t, err)

	got, err = reg.Resolve(nil)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestRegistryCheckRecoversPanic(t *testing.T) {
	boom := &stubGuardrail{name: "boom", check: func(context.Context, string) model.GuardrailOutcome {
		panic("provider exploded")
	}}
	reg := NewGuardrailRegistry(time.Second, nil, boom)

	out := reg.Check(context.Background(), boom, "original text")
	assert.False(t, out.Flagged)
	assert.Equal(t, "original text", out.Text)
	assert.Contains(t, out.Error, "provider exploded")
}

func TestRegistryCheckAppliesTimeout(t *testing.T) {
	slow := &stubGuardrail{name: "slow", check: func(ctx context.Context, text string) model.GuardrailOutcome {
		<-ctx.Done()
		return failedOutcome(text, 0, ctx.Err())
	}}
	reg := NewGuardrailRegistry(20*time.Millisecond, nil, slow)

	out := reg.Check(context.Background(), slow, "t")
	assert.Contains(t, out.Error, context.DeadlineExceeded.Error())
}

func TestKeywordGuardrail(t *testing.T) {
	g := NewKeywordGuardrail([]string{"Secret, confidential"})

	out := g.Check(context.Background(), "This is CONFIDENTIAL")
	assert.True(t, out.Flagged)
	assert.Equal(t, "This is CONFIDENTIAL", out.Text)
	assert.Empty(t, out.Error)

	out = g.Check(context.Background(), "It's jane@x.com")
	assert.False(t, out.Flagged)

	// 行级敏感词
	ctx := WithRowTerms(context.Background(), []string{"jane@x.com"})
	out = g.Check(ctx, "It's jane@x.com")
	assert.True(t, out.Flagged)
	assert.Equal(t, "It's jane@x.com", out.Text)
}

func mustPattern(t *testing.T) *PatternGuardrail {
	t.Helper()
	g, err := NewPatternGuardrail()
	require.NoError(t, err)
	return g
}

func TestPatternGuardrail(t *testing.T) {
	g := mustPattern(t)

	cases := []struct {
		name    string
		in      string
		want    string
		flagged bool
	}{
		{"email and phone", "Call 555-123-4567 or mail jane@x.com", "Call [PHONE_NUMBER] or mail [EMAIL_ADDRESS]", true},
		{"ssn", "SSN 123-45-6789", "SSN [US_SSN]", true},
		{"date", "born 1990-01-01", "born [DATE]", true},
		{"clean", "I cannot share that.", "I cannot share that.", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			out := g.Check(context.Background(), tc.in)
			assert.Equal(t, tc.want, out.Text)
			assert.Equal(t, tc.flagged, out.Flagged)
			assert.Empty(t, out.Error)
		})
	}
}

func TestPatternGuardrailBadPolicy(t *testing.T) {
	_, err := NewPatternGuardrailFromYAML([]byte("entities:\n  - name: X\n    patterns: ['(']\n"))
	assert.Error(t, err)
	_, err = NewPatternGuardrailFromYAML([]byte("entities: [oops"))
	assert.Error(t, err)
}

func TestLakeraGuardrail(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v2/guard", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

		var req lakeraRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.True(t, req.Payload)
		assert.Len(t, req.Messages, 2)
		assert.Equal(t, "assistant", req.Messages[1].Role)

		w.Header().Set("Content-Type", "application/json")
		if req.Messages[1].Content == "It's jane@x.com" {
			_, _ = w.Write([]byte(`{"flagged":true,"payload":[{"start":5,"end":15,"detector_type":"pii/email"}]}`))
			return
		}
		_, _ = w.Write([]byte(`{"flagged":false,"payload":[]}`))
	}))
	defer srv.Close()

	g := NewLakeraGuardrail(srv.URL+"/", "test-key", "")

	out := g.Check(context.Background(), "It's jane@x.com")
	assert.True(t, out.Flagged)
	assert.Equal(t, "It's [REDACTED]", out.Text)
	assert.Empty(t, out.Error)

	out = g.Check(context.Background(), "I cannot share that.")
	assert.False(t, out.Flagged)
	assert.Equal(t, "I cannot share that.", out.Text)
}

func TestLakeraGuardrailProviderError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "invalid api key", http.StatusUnauthorized)
	}))
	defer srv.Close()

	out := NewLakeraGuardrail(srv.URL, "bad", "").Check(context.Background(), "It's jane@x.com")
	assert.False(t, out.Flagged)
	assert.Equal(t, "It's jane@x.com", out.Text)
	assert.Contains(t, out.Error, "401")
}

func TestRedactSpans(t *testing.T) {
	items := []lakeraPayloadItem{{Start: 0, End: 4}, {Start: 2, End: 6}, {Start: 8, End: 99}}
	assert.Equal(t, "[REDACTED]gh[REDACTED]", redactSpans("abcdefgh12", items))
	// 重叠区间只产生一个替换
	assert.Equal(t, "ab[REDACTED]ij", redactSpans("abcdefghij", []lakeraPayloadItem{{Start: 4, End: 8}, {Start: 2, End: 6}}))
	assert.Equal(t, "a[REDACTED]e", redactSpans("abcde", []lakeraPayloadItem{{Start: 1, End: 4}, {Start: 2, End: 3}}))
	assert.Equal(t, "邮箱 [REDACTED]", redactSpans("邮箱 jane", []lakeraPayloadItem{{Start: 3, End: 7}}))
	assert.Equal(t, "abc", redactSpans("abc", nil))
	assert.Equal(t, "abc", redactSpans("abc", []lakeraPayloadItem{{Start: 2, End: 1}}))
}

func TestPresidioGuardrail(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/analyze":
			var req presidioAnalyzeRequest
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			assert.Equal(t, "en", req.Language)
			if req.Text == "I cannot share that." {
				_, _ = w.Write([]byte(`[]`))
				return
			}
			_, _ = w.Write([]byte(`[{"entity_type":"EMAIL_ADDRESS","start":5,"end":15,"score":1.0}]`))
		case "/anonymize":
			var req presidioAnonymizeRequest
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			assert.Len(t, req.AnalyzerResults, 1)
			_, _ = w.Write([]byte(`{"text":"It's <EMAIL_ADDRESS>"}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	g := NewPresidioGuardrail(srv.URL, "", "")

	out := g.Check(context.Background(), "It's jane@x.com")
	assert.True(t, out.Flagged)
	assert.Equal(t, "It's <EMAIL_ADDRESS>", out.Text)

	out = g.Check(context.Background(), "I cannot share that.")
	assert.False(t, out.Flagged)
	assert.Equal(t, "I cannot share that.", out.Text)
	assert.Empty(t, out.Error)
}

func TestPresidioAnonymizerFailureKeepsText(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/analyze" {
			_, _ = w.Write([]byte(`[{"entity_type":"PERSON","start":0,"end":4,"score":0.9}]`))
			return
		}
		http.Error(w, "down", http.StatusBadGateway)
	}))
	defer srv.Close()

	out := NewPresidioGuardrail(srv.URL, srv.URL, "en").Check(context.Background(), "Jane called")
	assert.False(t, out.Flagged)
	assert.Equal(t, "Jane called", out.Text)
	assert.Contains(t, out.Error, "anonymize")
}
