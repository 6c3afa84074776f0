package access

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/abduss/timelock/internal/blobstore"
	"github.com/abduss/timelock/internal/ledger"
	"github.com/abduss/timelock/internal/sealer"
	"github.com/abduss/timelock/internal/viewtoken"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

// fakeIssuer keeps minted tokens in memory and checks expiry against the
// shared test clock.
type fakeIssuer struct {
	mu     sync.Mutex
	clock  *fakeClock
	ttl    time.Duration
	seq    int
	tokens map[string]viewtoken.Token
	bound  map[string]string
}

func newFakeIssuer(clock *fakeClock, ttl time.Duration) *fakeIssuer {
	return &fakeIssuer{clock: clock, ttl: ttl, tokens: map[string]viewtoken.Token{}, bound: map[string]string{}}
}

func (f *fakeIssuer) Mint(id string, notAfter time.Time) (viewtoken.Token, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	now := f.clock.Now()
	exp := now.Add(f.ttl)
	if !notAfter.IsZero() && notAfter.Before(exp) {
		exp = notAfter
	}
	if !now.Before(exp) {
		return viewtoken.Token{}, viewtoken.ErrWindowClosed
	}
	f.seq++
	tok := viewtoken.Token{Value: fmt.Sprintf("tok-%d", f.seq), ID: fmt.Sprintf("jti-%d", f.seq), ExpiresAt: exp}
	f.tokens[tok.Value] = tok
	f.bound[tok.Value] = id
	return tok, nil
}

func (f *fakeIssuer) Verify(token, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	tok, ok := f.tokens[token]
	if !ok {
		return viewtoken.ErrInvalidToken
	}
	if !f.clock.Now().Before(tok.ExpiresAt) {
		return viewtoken.ErrTokenExpired
	}
	if f.bound[token] != id {
		return viewtoken.ErrTokenMismatch
	}
	return nil
}

// switchableLedger forwards to a registry until it is taken down.
type switchableLedger struct {
	*ledger.MemoryRegistry
	mu    sync.Mutex
	down  bool
	calls int
}

func (l *switchableLedger) check(op string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls++
	if l.down {
		return fmt.Errorf("%w: %s: connection refused", ledger.ErrLedgerUnavailable, op)
	}
	return nil
}

func (l *switchableLedger) setDown(down bool) {
	l.mu.Lock()
	l.down = down
	l.mu.Unlock()
}

func (l *switchableLedger) Register(ctx context.Context, id string, d int64) (ledger.Record, error) {
	if err := l.check("register"); err != nil {
		return ledger.Record{}, err
	}
	return l.MemoryRegistry.Register(ctx, id, d)
}

func (l *switchableLedger) IsBeforeExpiry(ctx context.Context, id string) (bool, error) {
	if err := l.check("is_before_expiry"); err != nil {
		return false, err
	}
	return l.MemoryRegistry.IsBeforeExpiry(ctx, id)
}

func (l *switchableLedger) Status(ctx context.Context, id string) (ledger.Status, error) {
	if err := l.check("status"); err != nil {
		return ledger.Status{}, err
	}
	return l.MemoryRegistry.Status(ctx, id)
}

type failingPutStore struct {
	*blobstore.MemoryStore
	putErr    error
	attempted string
}

func (s *failingPutStore) Put(ctx context.Context, id string, data []byte, meta blobstore.Metadata) error {
	s.attempted = id
	return s.putErr
}

type errLedger struct {
	err error
}

func (l errLedger) Register(context.Context, string, int64) (ledger.Record, error) {
	return ledger.Record{}, l.err
}
func (l errLedger) IsBeforeExpiry(context.Context, string) (bool, error) { return false, l.err }
func (l errLedger) Status(context.Context, string) (ledger.Status, error) {
	return ledger.Status{}, l.err
}

type harness struct {
	clock  *fakeClock
	start  time.Time
	ledger *switchableLedger
	blobs  *blobstore.MemoryStore
	tokens *fakeIssuer
	seal   *sealer.XChaCha
	svc    *Service
}

func newHarness(t *testing.T, tokenTTL time.Duration) *harness {
	t.Helper()
	start := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	clock := &fakeClock{now: start}

	seal, err := sealer.NewXChaCha(bytes.Repeat([]byte{0x11}, sealer.MasterKeySize))
	require.NoError(t, err)

	h := &harness{
		clock:  clock,
		start:  start,
		ledger: &switchableLedger{MemoryRegistry: ledger.NewMemoryRegistry(clock.Now)},
		blobs:  blobstore.NewMemoryStore(),
		tokens: newFakeIssuer(clock, tokenTTL),
		seal:   seal,
	}
	h.svc = NewService(h.ledger, h.blobs, h.tokens, h.seal, Options{MaxUploadBytes: 1024, MaxDuration: 30 * 24 * time.Hour}, nil)
	h.svc.nowFunc = clock.Now
	return h
}

func (h *harness) at(offset time.Duration) {
	h.clock.Set(h.start.Add(offset))
}

func (h *harness) upload(t *testing.T, data string, duration int64) UploadResult {
	t.Helper()
	result, err := h.svc.Upload(context.Background(), UploadInput{
		Filename:        "notes.txt",
		ContentType:     "text/plain",
		Data:            []byte(data),
		DurationSeconds: duration,
	})
	require.NoError(t, err)
	return result
}

func TestUploadThenDownload(t *testing.T) {
	h := newHarness(t, time.Minute)
	ctx := context.Background()

	result := h.upload(t, "top secret", 60)
	assert.Equal(t, h.start.Add(60*time.Second), result.ExpiresAt)

	_, err := blobstore.ParseID(result.ID)
	require.NoError(t, err)

	stored, err := h.blobs.Get(ctx, result.ID)
	require.NoError(t, err)
	assert.NotContains(t, string(stored.Data), "top secret")

	file, err := h.svc.Download(ctx, result.ID)
	require.NoError(t, err)
	assert.Equal(t, "top secret", string(file.Data))
	assert.Equal(t, "notes.txt", file.Filename)
	assert.Equal(t, "text/plain", file.ContentType)
	assert.EqualValues(t, len("top secret"), file.Size)
}

func TestIdenticalUploadsGetDistinctIdentifiers(t *testing.T) {
	h := newHarness(t, time.Minute)

	first := h.upload(t, "same bytes", 60)
	second := h.upload(t, "same bytes", 60)
	assert.NotEqual(t, first.ID, second.ID)
}

func TestDownloadExpiryScenario(t *testing.T) {
	h := newHarness(t, time.Minute)
	ctx := context.Background()

	result := h.upload(t, "payload", 60)

	h.at(30 * time.Second)
	_, err := h.svc.Download(ctx, result.ID)
	require.NoError(t, err)

	h.at(60 * time.Second)
	_, err = h.svc.Download(ctx, result.ID)
	assert.ErrorIs(t, err, ErrAccessDenied)

	h.at(61 * time.Second)
	_, err = h.svc.Download(ctx, result.ID)
	assert.ErrorIs(t, err, ErrAccessDenied)
}

func TestDownloadUnknownAndMalformedIdentifiers(t *testing.T) {
	h := newHarness(t, time.Minute)
	ctx := context.Background()

	unknown, err := blobstore.ComputeID([]byte("never uploaded"))
	require.NoError(t, err)

	_, err = h.svc.Download(ctx, unknown)
	assert.ErrorIs(t, err, ErrAccessDenied)
	assert.ErrorIs(t, err, ledger.ErrUnknownIdentifier)

	_, err = h.svc.Download(ctx, "not-a-cid")
	assert.ErrorIs(t, err, ErrAccessDenied)

	_, err = h.svc.Download(ctx, "  ")
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestLedgerOutageIsNotDenial(t *testing.T) {
	h := newHarness(t, time.Minute)
	ctx := context.Background()
	result := h.upload(t, "payload", 60)

	h.ledger.setDown(true)

	_, err := h.svc.Download(ctx, result.ID)
	assert.ErrorIs(t, err, ErrServiceUnavailable)
	assert.NotErrorIs(t, err, ErrAccessDenied)

	_, err = h.svc.IssueViewToken(ctx, result.ID)
	assert.ErrorIs(t, err, ErrServiceUnavailable)

	_, err = h.svc.Upload(ctx, UploadInput{Data: []byte("new"), DurationSeconds: 10})
	assert.ErrorIs(t, err, ErrServiceUnavailable)
}

func TestUploadAbortsBeforeBlobWriteWhenRegistrationFails(t *testing.T) {
	blobs := &countingStore{MemoryStore: blobstore.NewMemoryStore()}
	seal, err := sealer.NewXChaCha(bytes.Repeat([]byte{0x11}, sealer.MasterKeySize))
	require.NoError(t, err)

	cases := map[string]struct {
		err  error
		want error
	}{
		"conflict":     {err: &ledger.ConflictError{Existing: ledger.Record{ID: "x"}}, want: ErrRegistrationConflict},
		"unavailable":  {err: ledger.ErrLedgerUnavailable, want: ErrServiceUnavailable},
		"inconsistent": {err: fmt.Errorf("%w: %w", ledger.ErrInconsistentRegistration, &ledger.ConflictError{}), want: ErrInconsistentState},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			svc := NewService(errLedger{err: tc.err}, blobs, nil, seal, Options{}, nil)
			_, err := svc.Upload(context.Background(), UploadInput{Data: []byte("x"), DurationSeconds: 5})
			assert.ErrorIs(t, err, tc.want)
		})
	}
	assert.Zero(t, blobs.puts)
}

type countingStore struct {
	*blobstore.MemoryStore
	puts int
}

func (s *countingStore) Put(ctx context.Context, id string, data []byte, meta blobstore.Metadata) error {
	s.puts++
	return s.MemoryStore.Put(ctx, id, data, meta)
}

func TestPartialUploadSurfacesOnLaterAccess(t *testing.T) {
	h := newHarness(t, time.Minute)
	store := &failingPutStore{MemoryStore: h.blobs, putErr: fmt.Errorf("%w: put: disk full", blobstore.ErrUnavailable)}
	h.svc.blobs = store
	ctx := context.Background()

	_, err := h.svc.Upload(ctx, UploadInput{Data: []byte("lost"), DurationSeconds: 60})
	require.ErrorIs(t, err, ErrPartialUpload)

	registered := store.attempted
	require.NotEmpty(t, registered)
	active, err := h.ledger.IsBeforeExpiry(ctx, registered)
	require.NoError(t, err)
	require.True(t, active)

	_, err = h.svc.Download(ctx, registered)
	assert.ErrorIs(t, err, ErrInconsistentState)
	assert.NotErrorIs(t, err, ErrAccessDenied)

	_, err = h.svc.IssueViewToken(ctx, registered)
	assert.ErrorIs(t, err, ErrInconsistentState)
}

func TestViewTokenScenario(t *testing.T) {
	h := newHarness(t, 120*time.Second)
	ctx := context.Background()
	result := h.upload(t, "preview me", 24*60*60)

	h.at(10 * time.Second)
	grant, err := h.svc.IssueViewToken(ctx, result.ID)
	require.NoError(t, err)
	assert.Equal(t, h.start.Add(130*time.Second), grant.ExpiresAt)

	h.at(70 * time.Second)
	file, err := h.svc.FetchView(ctx, result.ID, grant.Token)
	require.NoError(t, err)
	assert.Equal(t, "preview me", string(file.Data))

	h.at(140 * time.Second)
	_, err = h.svc.FetchView(ctx, result.ID, grant.Token)
	assert.ErrorIs(t, err, ErrAccessDenied)
	assert.ErrorIs(t, err, viewtoken.ErrTokenExpired)
}

func TestViewTokenBoundToIdentifier(t *testing.T) {
	h := newHarness(t, time.Minute)
	ctx := context.Background()
	a := h.upload(t, "file a", 600)
	b := h.upload(t, "file b", 600)

	grant, err := h.svc.IssueViewToken(ctx, a.ID)
	require.NoError(t, err)

	_, err = h.svc.FetchView(ctx, b.ID, grant.Token)
	assert.ErrorIs(t, err, ErrAccessDenied)
	assert.ErrorIs(t, err, viewtoken.ErrTokenMismatch)

	_, err = h.svc.FetchView(ctx, a.ID, "")
	assert.ErrorIs(t, err, ErrAccessDenied)
}

func TestViewTokenNeverOutlivesFile(t *testing.T) {
	h := newHarness(t, 120*time.Second)
	ctx := context.Background()
	result := h.upload(t, "short lived", 30)

	h.at(10 * time.Second)
	grant, err := h.svc.IssueViewToken(ctx, result.ID)
	require.NoError(t, err)
	assert.Equal(t, result.ExpiresAt, grant.ExpiresAt)

	h.at(30 * time.Second)
	_, err = h.svc.FetchView(ctx, result.ID, grant.Token)
	assert.ErrorIs(t, err, ErrAccessDenied)

	_, err = h.svc.IssueViewToken(ctx, result.ID)
	assert.ErrorIs(t, err, ErrAccessDenied)
}

func TestFetchViewDoesNotConsultLedger(t *testing.T) {
	h := newHarness(t, time.Minute)
	ctx := context.Background()
	result := h.upload(t, "cached preview", 600)

	grant, err := h.svc.IssueViewToken(ctx, result.ID)
	require.NoError(t, err)

	h.ledger.setDown(true)
	before := h.ledger.calls

	_, err = h.svc.FetchView(ctx, result.ID, grant.Token)
	require.NoError(t, err)
	assert.Equal(t, before, h.ledger.calls)
}

func TestCorruptBlobIsInconsistent(t *testing.T) {
	h := newHarness(t, time.Minute)
	ctx := context.Background()

	junk := []byte("not a sealed blob")
	id, err := blobstore.ComputeID(junk)
	require.NoError(t, err)
	_, err = h.ledger.Register(ctx, id, 60)
	require.NoError(t, err)
	require.NoError(t, h.blobs.Put(ctx, id, junk, blobstore.Metadata{Filename: "x"}))

	_, err = h.svc.Download(ctx, id)
	assert.ErrorIs(t, err, ErrInconsistentState)
	assert.ErrorIs(t, err, sealer.ErrCorrupt)
}

func TestUploadValidation(t *testing.T) {
	h := newHarness(t, time.Minute)
	ctx := context.Background()

	cases := map[string]struct {
		input UploadInput
		want  error
	}{
		"empty payload":     {input: UploadInput{DurationSeconds: 60}, want: ErrInvalidInput},
		"zero duration":     {input: UploadInput{Data: []byte("x")}, want: ErrInvalidInput},
		"negative duration": {input: UploadInput{Data: []byte("x"), DurationSeconds: -5}, want: ErrInvalidInput},
		"duration too long": {input: UploadInput{Data: []byte("x"), DurationSeconds: 31 * 24 * 60 * 60}, want: ErrInvalidInput},
		"too large":         {input: UploadInput{Data: make([]byte, 1025), DurationSeconds: 60}, want: ErrPayloadTooLarge},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := h.svc.Upload(ctx, tc.input)
			assert.ErrorIs(t, err, tc.want)
		})
	}
	assert.Zero(t, h.ledger.calls)
}

func TestUploadRejectsDurationBeyondLedgerRange(t *testing.T) {
	h := newHarness(t, time.Minute)
	h.svc.opts.MaxDuration = 0
	ctx := context.Background()

	for _, duration := range []int64{10_000_000_000, ledger.MaxDurationSeconds + 1, math.MaxInt64} {
		_, err := h.svc.Upload(ctx, UploadInput{Data: []byte("x"), DurationSeconds: duration})
		assert.ErrorIs(t, err, ErrInvalidInput, "duration %d", duration)
		assert.NotErrorIs(t, err, ErrServiceUnavailable)
	}
	assert.Zero(t, h.ledger.calls)

	result := h.upload(t, "far future", ledger.MaxDurationSeconds)
	file, err := h.svc.Download(ctx, result.ID)
	require.NoError(t, err)
	assert.Equal(t, []byte("far future"), file.Data)
}

func TestUploadDetectsContentType(t *testing.T) {
	h := newHarness(t, time.Minute)
	ctx := context.Background()

	result, err := h.svc.Upload(ctx, UploadInput{
		Filename:        "scan",
		ContentType:     "application/octet-stream",
		Data:            []byte("%PDF-1.4\n%\xe2\xe3\xcf\xd3\n1 0 obj\n"),
		DurationSeconds: 60,
	})
	require.NoError(t, err)

	file, err := h.svc.Download(ctx, result.ID)
	require.NoError(t, err)
	assert.Equal(t, "application/pdf", file.ContentType)
}

func TestSanitizeFilename(t *testing.T) {
	cases := map[string]string{
		"":                  "upload",
		"  report.pdf ":     "report.pdf",
		"../../etc/passwd":  "passwd",
		`C:\Users\me\a.txt`: "a.txt",
		"quo\"te\r\n.txt":   "quote.txt",
		"/":                 "upload",
	}
	for in, want := range cases {
		if got := sanitizeFilename(in); got != want {
			t.Errorf("sanitizeFilename(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestOutcomeLabels(t *testing.T) {
	cases := map[error]string{
		nil:                                  "ok",
		ErrInvalidInput:                      "invalid",
		fmt.Errorf("%w: x", ErrAccessDenied): "denied",
		ErrServiceUnavailable:                "unavailable",
		ErrPartialUpload:                     "inconsistent",
		errors.New("boom"):                   "error",
	}
	for err, want := range cases {
		if got := outcome(err); got != want {
			t.Errorf("outcome(%v) = %q, want %q", err, got, want)
		}
	}
}
