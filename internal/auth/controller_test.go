package auth

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/tgvault/tgvault/internal/crypto"
	"github.com/tgvault/tgvault/internal/store"
	"github.com/tgvault/tgvault/internal/supervisor"
	"github.com/tgvault/tgvault/internal/telegram"
)

// fakeAPI stubs the Telegram operations the controller drives. Methods
// without a stub fail the call.
type fakeAPI struct {
	sendCode func(ctx context.Context, phone string) (string, error)
	signIn   func(ctx context.Context, phone, code, codeHash string) error
}

func (a *fakeAPI) SendCode(ctx context.Context, phone string) (string, error) {
	if a.sendCode == nil {
		return "", errors.New("unexpected SendCode")
	}
	return a.sendCode(ctx, phone)
}

func (a *fakeAPI) SignIn(ctx context.Context, phone, code, codeHash string) error {
	if a.signIn == nil {
		return errors.New("unexpected SignIn")
	}
	return a.signIn(ctx, phone, code, codeHash)
}

func (a *fakeAPI) ListChats(ctx context.Context) ([]telegram.Chat, error) {
	return nil, errors.New("unexpected ListChats")
}

func (a *fakeAPI) ResolveChat(ctx context.Context, chatID int64) (telegram.Chat, error) {
	return telegram.Chat{}, errors.New("unexpected ResolveChat")
}

func (a *fakeAPI) HistoryPage(ctx context.Context, req telegram.PageRequest) (telegram.Page, error) {
	return telegram.Page{}, errors.New("unexpected HistoryPage")
}

type fakeClient struct {
	api telegram.API
}

func (c *fakeClient) Run(ctx context.Context, f func(ctx context.Context, api telegram.API) error) error {
	return f(ctx, c.api)
}

type fixture struct {
	db     *store.DB
	sealer *crypto.Sealer
	sup    *supervisor.Supervisor
	api    *fakeAPI
}

func testFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })

	sealer, err := crypto.NewSealer("test-secret")
	if err != nil {
		t.Fatal(err)
	}

	api := &fakeAPI{}
	cfg := supervisor.Config{
		ConnectAttempts:  3,
		ConnectBaseDelay: time.Millisecond,
		ConnectMaxDelay:  4 * time.Millisecond,
		DrainTimeout:     time.Second,
	}
	sup := supervisor.New(&fakeClient{api: api}, supervisor.NewBreaker(5, time.Minute), cfg, zap.NewNop())
	t.Cleanup(sup.Shutdown)

	return &fixture{db: db, sealer: sealer, sup: sup, api: api}
}

func (f *fixture) controller(t *testing.T) *Controller {
	t.Helper()
	c, err := NewController(f.db, f.sealer, f.sup, nil, time.Second, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	return c
}

// storeCredential mimics the session storage hook SignIn triggers in
// production: the credential lands sealed in the session row.
func (f *fixture) storeCredential(t *testing.T, credential []byte) {
	t.Helper()
	storage := telegram.NewSealedStorage(f.db, f.sealer)
	if err := storage.StoreSession(context.Background(), credential); err != nil {
		t.Fatal(err)
	}
}

func TestFreshControllerIsEmpty(t *testing.T) {
	c := testFixture(t).controller(t)

	state, phone := c.Status()
	if state != Empty {
		t.Errorf("state = %s, want EMPTY", state)
	}
	if phone != "" {
		t.Errorf("phone = %q, want empty", phone)
	}
}

func TestRequestCode(t *testing.T) {
	f := testFixture(t)
	f.api.sendCode = func(ctx context.Context, phone string) (string, error) {
		return "hash-123", nil
	}
	c := f.controller(t)

	if err := c.RequestCode(context.Background(), "+15550100"); err != nil {
		t.Fatal(err)
	}

	state, phone := c.Status()
	if state != CodeRequested || phone != "+15550100" {
		t.Errorf("status = %s/%s, want CODE_REQUESTED/+15550100", state, phone)
	}

	row, err := f.db.GetSession()
	if err != nil {
		t.Fatal(err)
	}
	if row == nil {
		t.Fatal("no session row persisted")
	}
	if row.CodeHash != "hash-123" || row.Status != "code_requested" {
		t.Errorf("row = %+v, want code hash and code_requested status", row)
	}
}

func TestRequestCodeRejectionKeepsState(t *testing.T) {
	f := testFixture(t)
	f.api.sendCode = func(ctx context.Context, phone string) (string, error) {
		return "", telegram.ErrInvalidPhone
	}
	c := f.controller(t)

	err := c.RequestCode(context.Background(), "bogus")
	if !errors.Is(err, telegram.ErrInvalidPhone) {
		t.Fatalf("RequestCode() = %v, want ErrInvalidPhone", err)
	}

	if state, _ := c.Status(); state != Empty {
		t.Errorf("state = %s, want EMPTY", state)
	}
	row, err := f.db.GetSession()
	if err != nil {
		t.Fatal(err)
	}
	if row != nil {
		t.Errorf("session row written on rejected request: %+v", row)
	}
}

func TestRequestCodeFromWrongState(t *testing.T) {
	f := testFixture(t)
	f.api.sendCode = func(ctx context.Context, phone string) (string, error) {
		return "hash", nil
	}
	c := f.controller(t)

	if err := c.RequestCode(context.Background(), "+15550100"); err != nil {
		t.Fatal(err)
	}

	err := c.RequestCode(context.Background(), "+15550100")
	var se *StateError
	if !errors.As(err, &se) {
		t.Fatalf("second RequestCode() = %v, want StateError", err)
	}
	if se.State != CodeRequested {
		t.Errorf("StateError.State = %s, want CODE_REQUESTED", se.State)
	}
}

func TestConfirmCode(t *testing.T) {
	f := testFixture(t)
	f.api.sendCode = func(ctx context.Context, phone string) (string, error) {
		return "hash-123", nil
	}
	f.api.signIn = func(ctx context.Context, phone, code, codeHash string) error {
		if codeHash != "hash-123" {
			t.Errorf("SignIn codeHash = %q, want hash-123", codeHash)
		}
		f.storeCredential(t, []byte("gotd-session"))
		return nil
	}
	c := f.controller(t)

	if err := c.RequestCode(context.Background(), "+15550100"); err != nil {
		t.Fatal(err)
	}
	if err := c.ConfirmCode(context.Background(), "+15550100", "12345"); err != nil {
		t.Fatal(err)
	}

	if state, _ := c.Status(); state != Valid {
		t.Errorf("state = %s, want VALID", state)
	}
	row, err := f.db.GetSession()
	if err != nil {
		t.Fatal(err)
	}
	if row.Status != "valid" || row.CodeHash != "" {
		t.Errorf("row = %+v, want valid status and cleared code hash", row)
	}
	if _, err := f.sealer.Open(row.Credential); err != nil {
		t.Errorf("stored credential does not decrypt: %v", err)
	}
}

func TestConfirmCodeWrongCode(t *testing.T) {
	f := testFixture(t)
	f.api.sendCode = func(ctx context.Context, phone string) (string, error) {
		return "hash-123", nil
	}
	f.api.signIn = func(ctx context.Context, phone, code, codeHash string) error {
		return telegram.ErrCodeInvalid
	}
	c := f.controller(t)

	if err := c.RequestCode(context.Background(), "+15550100"); err != nil {
		t.Fatal(err)
	}
	err := c.ConfirmCode(context.Background(), "+15550100", "00000")
	if !errors.Is(err, telegram.ErrCodeInvalid) {
		t.Fatalf("ConfirmCode() = %v, want ErrCodeInvalid", err)
	}

	// Caller may retry with a fresh code.
	if state, _ := c.Status(); state != CodeRequested {
		t.Errorf("state = %s, want CODE_REQUESTED", state)
	}
	row, err := f.db.GetSession()
	if err != nil {
		t.Fatal(err)
	}
	if len(row.Credential) != 0 {
		t.Error("credential written despite rejected code")
	}
}

func TestConfirmCodeFromWrongState(t *testing.T) {
	f := testFixture(t)
	c := f.controller(t)

	err := c.ConfirmCode(context.Background(), "+15550100", "12345")
	var se *StateError
	if !errors.As(err, &se) {
		t.Fatalf("ConfirmCode() from EMPTY = %v, want StateError", err)
	}
}

func TestReset(t *testing.T) {
	f := testFixture(t)
	f.storeCredential(t, []byte("gotd-session"))
	c := f.controller(t)

	if state, _ := c.Status(); state != Valid {
		t.Fatalf("state = %s, want VALID", state)
	}

	cancelled := false
	c.SetFetchCanceller(func() { cancelled = true })

	if err := c.Reset(); err != nil {
		t.Fatal(err)
	}
	if !cancelled {
		t.Error("Reset did not cancel the fetch")
	}
	if state, phone := c.Status(); state != Empty || phone != "" {
		t.Errorf("status = %s/%q, want EMPTY with no phone", state, phone)
	}
	row, err := f.db.GetSession()
	if err != nil {
		t.Fatal(err)
	}
	if row != nil {
		t.Errorf("session row survived reset: %+v", row)
	}

	// Idempotent.
	if err := c.Reset(); err != nil {
		t.Fatal(err)
	}
	if state, _ := c.Status(); state != Empty {
		t.Errorf("state after second reset = %s, want EMPTY", state)
	}
}

func TestRestoreValidSession(t *testing.T) {
	f := testFixture(t)
	f.storeCredential(t, []byte("gotd-session"))
	row, err := f.db.GetSession()
	if err != nil {
		t.Fatal(err)
	}
	row.Phone = "+15550100"
	row.Status = "valid"
	if err := f.db.PutSession(row); err != nil {
		t.Fatal(err)
	}

	c := f.controller(t)
	state, phone := c.Status()
	if state != Valid || phone != "+15550100" {
		t.Errorf("status = %s/%s, want VALID/+15550100", state, phone)
	}
}

func TestRestoreUnreadableCredentialIsInvalid(t *testing.T) {
	f := testFixture(t)
	if err := f.db.PutSession(&store.Session{
		Phone:      "+15550100",
		Credential: []byte("not a sealed blob"),
		Status:     "valid",
	}); err != nil {
		t.Fatal(err)
	}

	c := f.controller(t)
	if state, _ := c.Status(); state != Invalid {
		t.Errorf("state = %s, want INVALID", state)
	}
	row, err := f.db.GetSession()
	if err != nil {
		t.Fatal(err)
	}
	if row.Status != "invalid" {
		t.Errorf("persisted status = %q, want invalid", row.Status)
	}
}

func TestRestorePendingCodeRequest(t *testing.T) {
	f := testFixture(t)
	if err := f.db.PutSession(&store.Session{
		Phone:    "+15550100",
		CodeHash: "hash-from-before-restart",
		Status:   "code_requested",
	}); err != nil {
		t.Fatal(err)
	}
	f.api.signIn = func(ctx context.Context, phone, code, codeHash string) error {
		if codeHash != "hash-from-before-restart" {
			t.Errorf("SignIn codeHash = %q, want the persisted hash", codeHash)
		}
		f.storeCredential(t, []byte("gotd-session"))
		return nil
	}

	c := f.controller(t)
	if state, _ := c.Status(); state != CodeRequested {
		t.Fatalf("state = %s, want CODE_REQUESTED", state)
	}
	if err := c.ConfirmCode(context.Background(), "+15550100", "12345"); err != nil {
		t.Fatal(err)
	}
	if state, _ := c.Status(); state != Valid {
		t.Errorf("state = %s, want VALID", state)
	}
}

func TestMarkInvalid(t *testing.T) {
	f := testFixture(t)
	f.storeCredential(t, []byte("gotd-session"))
	c := f.controller(t)

	c.MarkInvalid()
	if state, _ := c.Status(); state != Invalid {
		t.Errorf("state = %s, want INVALID", state)
	}
	row, err := f.db.GetSession()
	if err != nil {
		t.Fatal(err)
	}
	if row.Status != "invalid" {
		t.Errorf("persisted status = %q, want invalid", row.Status)
	}

	// No-op outside Valid.
	c.MarkInvalid()
	if state, _ := c.Status(); state != Invalid {
		t.Errorf("state = %s, want INVALID", state)
	}
}
