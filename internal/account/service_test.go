package account

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/hitoshi/handleclaim/internal/database"
	"github.com/hitoshi/handleclaim/internal/model"
	"github.com/hitoshi/handleclaim/internal/notify"
	"github.com/hitoshi/handleclaim/internal/repository"
	"github.com/hitoshi/handleclaim/internal/security"
)

// --- モック ---

type captureDispatcher struct {
	mu   sync.Mutex
	msgs []notify.Message
	err  error
}

func (d *captureDispatcher) Dispatch(_ context.Context, msg notify.Message) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return d.err
	}
	d.msgs = append(d.msgs, msg)
	return nil
}

func (d *captureDispatcher) last() notify.Message {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.msgs[len(d.msgs)-1]
}

type fixture struct {
	svc        *Service
	dispatcher *captureDispatcher
	usernames  *repository.SQLUsernameRepo
	tokens     *repository.SQLVerificationTokenRepo
}

func newFixture(t *testing.T, cfg ServiceConfig) *fixture {
	t.Helper()

	path := filepath.Join(t.TempDir(), "account.db")
	if err := database.RunMigrations(database.DriverSQLite, path); err != nil {
		t.Fatalf("マイグレーション実行に失敗: %v", err)
	}
	db, err := database.Open(database.DriverSQLite, path)
	if err != nil {
		t.Fatalf("Openがエラーを返した: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	d := database.DriverSQLite
	f := &fixture{
		dispatcher: &captureDispatcher{},
		usernames:  repository.NewSQLUsernameRepo(db, d),
		tokens:     repository.NewSQLVerificationTokenRepo(db, d),
	}
	f.svc = NewService(
		repository.NewSQLIdentityRepo(db, d),
		f.tokens,
		repository.NewSQLSessionRepo(db, d),
		f.usernames,
		security.NewHasher(4),
		security.NewTokenIssuer("test-secret", "handleclaim-test"),
		f.dispatcher,
		cfg,
	)
	return f
}

// signup はidentity作成からセッション発行までを行う。
func (f *fixture) signup(t *testing.T, email, password string) (*model.Identity, *model.Session) {
	t.Helper()
	ctx := context.Background()

	identity, err := f.svc.CreateIdentity(ctx, CreateIdentityInput{Email: email, Password: password})
	if err != nil {
		t.Fatalf("CreateIdentityがエラーを返した: %v", err)
	}
	token, err := f.svc.CreateVerificationToken(ctx, identity.ID, "")
	if err != nil {
		t.Fatalf("CreateVerificationTokenがエラーを返した: %v", err)
	}
	session, err := f.svc.CreateSession(ctx, identity.ID, token.Code)
	if err != nil {
		t.Fatalf("CreateSessionがエラーを返した: %v", err)
	}
	return identity, session
}

func TestCreateIdentity(t *testing.T) {
	f := newFixture(t, ServiceConfig{})
	ctx := context.Background()

	identity, err := f.svc.CreateIdentity(ctx, CreateIdentityInput{
		Email:    "  Alice@Example.COM ",
		Phone:    "+81 90-1234-5678",
		Password: "correct horse",
	})
	if err != nil {
		t.Fatalf("CreateIdentityがエラーを返した: %v", err)
	}
	if identity.Email != "alice@example.com" {
		t.Errorf("Email = %q, want alice@example.com", identity.Email)
	}
	if identity.Phone != "+819012345678" {
		t.Errorf("Phone = %q, want +819012345678", identity.Phone)
	}
	if identity.PasswordHash == "" || identity.PasswordHash == "correct horse" {
		t.Errorf("パスワードがハッシュ化されていない: %q", identity.PasswordHash)
	}
	if identity.Verified() {
		t.Error("作成直後のidentityが検証済みになっている")
	}
}

func TestCreateIdentity_Duplicate(t *testing.T) {
	f := newFixture(t, ServiceConfig{})
	ctx := context.Background()

	if _, err := f.svc.CreateIdentity(ctx, CreateIdentityInput{Email: "bob@example.com"}); err != nil {
		t.Fatalf("1回目のCreateIdentityがエラーを返した: %v", err)
	}
	_, err := f.svc.CreateIdentity(ctx, CreateIdentityInput{Email: "BOB@example.com"})
	if !errors.Is(err, model.ErrIdentityExists) {
		t.Errorf("err = %v, want ErrIdentityExists", err)
	}
}

func TestCreateIdentity_InvalidInput(t *testing.T) {
	tests := []struct {
		name string
		in   CreateIdentityInput
	}{
		{"メールアドレスなし", CreateIdentityInput{}},
		{"不正なメールアドレス", CreateIdentityInput{Email: "not-an-email"}},
		{"表示名付き", CreateIdentityInput{Email: "Alice <alice@example.com>"}},
		{"不正な電話番号", CreateIdentityInput{Email: "a@example.com", Phone: "090"}},
		{"短いパスワード", CreateIdentityInput{Email: "a@example.com", Password: "short"}},
	}

	f := newFixture(t, ServiceConfig{})
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.CreateIdentity(context.Background(), tt.in)
			if !errors.Is(err, model.ErrInvalidFormat) {
				t.Errorf("err = %v, want ErrInvalidFormat", err)
			}
		})
	}
}

func TestCreateVerificationToken_Dispatches(t *testing.T) {
	f := newFixture(t, ServiceConfig{CodeTTL: 10 * time.Minute})
	ctx := context.Background()

	identity, err := f.svc.CreateIdentity(ctx, CreateIdentityInput{Email: "carol@example.com"})
	if err != nil {
		t.Fatalf("CreateIdentityがエラーを返した: %v", err)
	}

	token, err := f.svc.CreateVerificationToken(ctx, identity.ID, "")
	if err != nil {
		t.Fatalf("CreateVerificationTokenがエラーを返した: %v", err)
	}
	if !security.IsCodeFormat(token.Code) {
		t.Errorf("Code = %q, want 6桁の数字", token.Code)
	}
	if token.CodeHash != security.HashCode(token.Code) {
		t.Error("CodeHashがコードのハッシュと一致しない")
	}
	if got := token.ExpiresAt.Sub(token.CreatedAt); got != 10*time.Minute {
		t.Errorf("有効期間 = %v, want 10m", got)
	}

	msg := f.dispatcher.last()
	if msg.Destination != "carol@example.com" || msg.Code != token.Code || msg.IdentityID != identity.ID {
		t.Errorf("送信内容が不正: %+v", msg)
	}
}

func TestCreateVerificationToken_Errors(t *testing.T) {
	f := newFixture(t, ServiceConfig{ResendInterval: time.Minute})
	ctx := context.Background()

	if _, err := f.svc.CreateVerificationToken(ctx, "00000000-0000-0000-0000-000000000000", ""); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("存在しないidentity: err = %v, want ErrNotFound", err)
	}

	identity, err := f.svc.CreateIdentity(ctx, CreateIdentityInput{Email: "dave@example.com"})
	if err != nil {
		t.Fatalf("CreateIdentityがエラーを返した: %v", err)
	}

	if _, err := f.svc.CreateVerificationToken(ctx, identity.ID, "someone@example.com"); !errors.Is(err, model.ErrInvalidFormat) {
		t.Errorf("未登録の送信先: err = %v, want ErrInvalidFormat", err)
	}

	if _, err := f.svc.CreateVerificationToken(ctx, identity.ID, ""); err != nil {
		t.Fatalf("CreateVerificationTokenがエラーを返した: %v", err)
	}
	if _, err := f.svc.CreateVerificationToken(ctx, identity.ID, ""); !errors.Is(err, model.ErrRateLimited) {
		t.Errorf("再発行間隔内: err = %v, want ErrRateLimited", err)
	}
}

func TestCreateVerificationToken_DispatchFailure(t *testing.T) {
	f := newFixture(t, ServiceConfig{})
	f.dispatcher.err = errors.New("smtp down")
	ctx := context.Background()

	identity, err := f.svc.CreateIdentity(ctx, CreateIdentityInput{Email: "erin@example.com"})
	if err != nil {
		t.Fatalf("CreateIdentityがエラーを返した: %v", err)
	}
	if _, err := f.svc.CreateVerificationToken(ctx, identity.ID, ""); !errors.Is(err, model.ErrUnavailable) {
		t.Errorf("err = %v, want ErrUnavailable", err)
	}
}

func TestCreateSession_Success(t *testing.T) {
	f := newFixture(t, ServiceConfig{})
	identity, session := f.signup(t, "frank@example.com", "")

	if session.UserID != identity.ID {
		t.Errorf("UserID = %q, want %q", session.UserID, identity.ID)
	}
	if len(session.ID) != 64 {
		t.Errorf("セッションIDの長さ = %d, want 64", len(session.ID))
	}
	if session.Token == "" {
		t.Fatal("トークンが発行されていない")
	}

	got, err := f.svc.Authenticate(context.Background(), session.Token)
	if err != nil {
		t.Fatalf("Authenticateがエラーを返した: %v", err)
	}
	if got.ID != session.ID {
		t.Errorf("セッションID = %q, want %q", got.ID, session.ID)
	}

	acc, err := f.svc.GetAccount(context.Background(), identity.ID)
	if err != nil {
		t.Fatalf("GetAccountがエラーを返した: %v", err)
	}
	if !acc.Identity.Verified() {
		t.Error("コード検証後もidentityが未検証のまま")
	}
	if acc.Username != nil {
		t.Errorf("ユーザー名未取得なのにUsernameが設定されている: %+v", acc.Username)
	}
}

func TestCreateSession_CodeIsSingleUse(t *testing.T) {
	f := newFixture(t, ServiceConfig{})
	ctx := context.Background()

	identity, err := f.svc.CreateIdentity(ctx, CreateIdentityInput{Email: "grace@example.com"})
	if err != nil {
		t.Fatalf("CreateIdentityがエラーを返した: %v", err)
	}
	token, err := f.svc.CreateVerificationToken(ctx, identity.ID, "")
	if err != nil {
		t.Fatalf("CreateVerificationTokenがエラーを返した: %v", err)
	}

	if _, err := f.svc.CreateSession(ctx, identity.ID, token.Code); err != nil {
		t.Fatalf("1回目のCreateSessionがエラーを返した: %v", err)
	}
	if _, err := f.svc.CreateSession(ctx, identity.ID, token.Code); !errors.Is(err, model.ErrVerificationFailed) {
		t.Errorf("2回目: err = %v, want ErrVerificationFailed", err)
	}
}

func TestCreateSession_Rejects(t *testing.T) {
	f := newFixture(t, ServiceConfig{})
	ctx := context.Background()

	identity, err := f.svc.CreateIdentity(ctx, CreateIdentityInput{Email: "heidi@example.com"})
	if err != nil {
		t.Fatalf("CreateIdentityがエラーを返した: %v", err)
	}
	token, err := f.svc.CreateVerificationToken(ctx, identity.ID, "")
	if err != nil {
		t.Fatalf("CreateVerificationTokenがエラーを返した: %v", err)
	}
	wrong := "000000"
	if token.Code == wrong {
		wrong = "111111"
	}

	tests := []struct {
		name       string
		identityID string
		code       string
	}{
		{"コード不一致", identity.ID, wrong},
		{"形式不正", identity.ID, "12ab56"},
		{"桁数不足", identity.ID, "12345"},
		{"存在しないidentity", "00000000-0000-0000-0000-000000000000", token.Code},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.CreateSession(ctx, tt.identityID, tt.code)
			if !errors.Is(err, model.ErrVerificationFailed) {
				t.Errorf("err = %v, want ErrVerificationFailed", err)
			}
		})
	}

	// 不一致の後でも正しいコードは使える
	if _, err := f.svc.CreateSession(ctx, identity.ID, token.Code); err != nil {
		t.Errorf("正しいコードでCreateSessionがエラーを返した: %v", err)
	}
}

// TestCreateSession_LocksAfterMaxFailedAttempts は誤入力が上限に達するとidentityの未使用コードがすべて無効になり、
// 再発行したコードでのみ検証できることを検証する。
func TestCreateSession_LocksAfterMaxFailedAttempts(t *testing.T) {
	f := newFixture(t, ServiceConfig{MaxCodeAttempts: 3})
	ctx := context.Background()

	identity, err := f.svc.CreateIdentity(ctx, CreateIdentityInput{Email: "ivan@example.com"})
	if err != nil {
		t.Fatalf("CreateIdentityがエラーを返した: %v", err)
	}
	older, err := f.svc.CreateVerificationToken(ctx, identity.ID, "")
	if err != nil {
		t.Fatalf("CreateVerificationTokenがエラーを返した: %v", err)
	}
	latest, err := f.svc.CreateVerificationToken(ctx, identity.ID, "")
	if err != nil {
		t.Fatalf("CreateVerificationTokenがエラーを返した: %v", err)
	}

	wrong := "000000"
	for wrong == older.Code || wrong == latest.Code {
		wrong = fmt.Sprintf("%06d", (mustAtoi(t, wrong)+111111)%1000000)
	}
	for i := 0; i < 3; i++ {
		if _, err := f.svc.CreateSession(ctx, identity.ID, wrong); !errors.Is(err, model.ErrVerificationFailed) {
			t.Fatalf("%d回目: err = %v, want ErrVerificationFailed", i+1, err)
		}
	}

	for name, code := range map[string]string{"最新のコード": latest.Code, "古いコード": older.Code} {
		if _, err := f.svc.CreateSession(ctx, identity.ID, code); !errors.Is(err, model.ErrVerificationFailed) {
			t.Errorf("上限到達後の%s: err = %v, want ErrVerificationFailed", name, err)
		}
	}

	fresh, err := f.svc.CreateVerificationToken(ctx, identity.ID, "")
	if err != nil {
		t.Fatalf("再発行がエラーを返した: %v", err)
	}
	if _, err := f.svc.CreateSession(ctx, identity.ID, fresh.Code); err != nil {
		t.Errorf("再発行したコードでCreateSessionがエラーを返した: %v", err)
	}
}

func TestCreateSession_FailuresBelowLimitKeepCode(t *testing.T) {
	f := newFixture(t, ServiceConfig{MaxCodeAttempts: 3})
	ctx := context.Background()

	identity, err := f.svc.CreateIdentity(ctx, CreateIdentityInput{Email: "judy@example.com"})
	if err != nil {
		t.Fatalf("CreateIdentityがエラーを返した: %v", err)
	}
	token, err := f.svc.CreateVerificationToken(ctx, identity.ID, "")
	if err != nil {
		t.Fatalf("CreateVerificationTokenがエラーを返した: %v", err)
	}
	wrong := "000000"
	if token.Code == wrong {
		wrong = "111111"
	}

	for i := 0; i < 2; i++ {
		if _, err := f.svc.CreateSession(ctx, identity.ID, wrong); !errors.Is(err, model.ErrVerificationFailed) {
			t.Fatalf("%d回目: err = %v, want ErrVerificationFailed", i+1, err)
		}
	}
	stored, err := f.tokens.FindLatestByIdentityID(ctx, identity.ID)
	if err != nil || stored == nil {
		t.Fatalf("FindLatestByIdentityID = %+v, %v", stored, err)
	}
	if stored.FailedAttempts != 2 {
		t.Errorf("FailedAttempts = %d, want 2", stored.FailedAttempts)
	}
	if _, err := f.svc.CreateSession(ctx, identity.ID, token.Code); err != nil {
		t.Errorf("上限未満では正しいコードが使えるべき: %v", err)
	}
}

func mustAtoi(t *testing.T, s string) int {
	t.Helper()
	n, err := strconv.Atoi(s)
	if err != nil {
		t.Fatalf("Atoi(%q): %v", s, err)
	}
	return n
}

func TestCreateSession_Expired(t *testing.T) {
	f := newFixture(t, ServiceConfig{})
	ctx := context.Background()

	identity, err := f.svc.CreateIdentity(ctx, CreateIdentityInput{Email: "ivan@example.com"})
	if err != nil {
		t.Fatalf("CreateIdentityがエラーを返した: %v", err)
	}

	// 期限切れのトークンを直接作成する
	past := time.Now().UTC().Add(-time.Hour)
	expired := &model.VerificationToken{
		ID:          "expired-token",
		IdentityID:  identity.ID,
		Destination: identity.Email,
		CodeHash:    security.HashCode("123456"),
		ExpiresAt:   past.Add(15 * time.Minute),
		CreatedAt:   past,
	}
	if err := f.tokens.Create(ctx, expired); err != nil {
		t.Fatalf("トークン作成に失敗: %v", err)
	}

	if _, err := f.svc.CreateSession(ctx, identity.ID, "123456"); !errors.Is(err, model.ErrVerificationFailed) {
		t.Errorf("err = %v, want ErrVerificationFailed", err)
	}
}

func TestCreatePasswordSession(t *testing.T) {
	f := newFixture(t, ServiceConfig{})
	ctx := context.Background()
	identity, _ := f.signup(t, "judy@example.com", "correct horse")

	session, err := f.svc.CreatePasswordSession(ctx, "Judy@example.com", "correct horse")
	if err != nil {
		t.Fatalf("CreatePasswordSessionがエラーを返した: %v", err)
	}
	if session.UserID != identity.ID {
		t.Errorf("UserID = %q, want %q", session.UserID, identity.ID)
	}

	if _, err := f.svc.CreatePasswordSession(ctx, "judy@example.com", "wrong password"); !errors.Is(err, model.ErrUnauthorized) {
		t.Errorf("パスワード不一致: err = %v, want ErrUnauthorized", err)
	}
	if _, err := f.svc.CreatePasswordSession(ctx, "nobody@example.com", "correct horse"); !errors.Is(err, model.ErrUnauthorized) {
		t.Errorf("未登録: err = %v, want ErrUnauthorized", err)
	}
}

func TestCreatePasswordSession_UnverifiedIdentity(t *testing.T) {
	f := newFixture(t, ServiceConfig{})
	ctx := context.Background()

	if _, err := f.svc.CreateIdentity(ctx, CreateIdentityInput{Email: "mallory@example.com", Password: "correct horse"}); err != nil {
		t.Fatalf("CreateIdentityがエラーを返した: %v", err)
	}
	if _, err := f.svc.CreatePasswordSession(ctx, "mallory@example.com", "correct horse"); !errors.Is(err, model.ErrUnauthorized) {
		t.Errorf("err = %v, want ErrUnauthorized", err)
	}
}

func TestAuthenticate_Rejects(t *testing.T) {
	f := newFixture(t, ServiceConfig{})
	ctx := context.Background()
	_, session := f.signup(t, "ken@example.com", "")

	if _, err := f.svc.Authenticate(ctx, "garbage"); !errors.Is(err, model.ErrUnauthorized) {
		t.Errorf("不正なトークン: err = %v, want ErrUnauthorized", err)
	}

	other := security.NewTokenIssuer("other-secret", "handleclaim-test")
	forged, err := other.Issue(session.ID, session.UserID, time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("Issueがエラーを返した: %v", err)
	}
	if _, err := f.svc.Authenticate(ctx, forged); !errors.Is(err, model.ErrUnauthorized) {
		t.Errorf("別の鍵で署名: err = %v, want ErrUnauthorized", err)
	}

	if err := f.svc.Logout(ctx, session.ID); err != nil {
		t.Fatalf("Logoutがエラーを返した: %v", err)
	}
	if _, err := f.svc.Authenticate(ctx, session.Token); !errors.Is(err, model.ErrUnauthorized) {
		t.Errorf("ログアウト後: err = %v, want ErrUnauthorized", err)
	}
}

func TestGetAccount_WithUsername(t *testing.T) {
	f := newFixture(t, ServiceConfig{})
	ctx := context.Background()
	identity, _ := f.signup(t, "leo@example.com", "")

	rec := &model.UsernameRecord{ID: model.UniqueDocumentID, Username: "leo", OwnerID: identity.ID}
	if err := f.usernames.Insert(ctx, rec); err != nil {
		t.Fatalf("Insertがエラーを返した: %v", err)
	}

	acc, err := f.svc.GetAccount(ctx, identity.ID)
	if err != nil {
		t.Fatalf("GetAccountがエラーを返した: %v", err)
	}
	if acc.Username == nil || acc.Username.Username != "leo" {
		t.Errorf("Username = %+v, want leo", acc.Username)
	}

	if _, err := f.svc.GetAccount(ctx, "00000000-0000-0000-0000-000000000000"); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestLogout_RequiresSessionID(t *testing.T) {
	f := newFixture(t, ServiceConfig{})
	if err := f.svc.Logout(context.Background(), ""); err == nil {
		t.Error("空のセッションIDでエラーが返されなかった")
	}
}
