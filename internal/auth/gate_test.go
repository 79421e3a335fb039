package auth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/hitoshi/propauth/internal/model"
	"github.com/hitoshi/propauth/internal/repository"
)

var testSecret = []byte("test-session-secret-0123456789abcdef")

func newTestGate(t *testing.T) (*Gate, *repository.MemoryIdentityRepo) {
	t.Helper()
	repo := repository.NewMemoryIdentityRepo()
	g := NewGate(GateConfig{
		Secret:      testSecret,
		UserMaxAge:  7 * 24 * time.Hour,
		AdminMaxAge: 24 * time.Hour,
		Secure:      true,
		SameSite:    http.SameSiteNoneMode,
	}, repo)
	g.now = func() time.Time { return fixedNow }
	return g, repo
}

func seedIdentity(t *testing.T, repo *repository.MemoryIdentityRepo, id string, role model.Role) *model.Identity {
	t.Helper()
	identity := &model.Identity{ID: id, Role: role, Email: id + "@example.com", Name: id}
	if err := repo.Create(context.Background(), identity); err != nil {
		t.Fatalf("failed to seed identity: %v", err)
	}
	return identity
}

// issueCookie はIssueが設定したCookieを取り出す。
func issueCookie(t *testing.T, g *Gate, identity *model.Identity) *http.Cookie {
	t.Helper()
	rec := httptest.NewRecorder()
	if err := g.Issue(rec, identity); err != nil {
		t.Fatalf("Issue failed: %v", err)
	}
	cookies := rec.Result().Cookies()
	if len(cookies) != 1 {
		t.Fatalf("expected 1 cookie, got %d", len(cookies))
	}
	return cookies[0]
}

func TestGate_Issue_CookieAttributes(t *testing.T) {
	g, repo := newTestGate(t)

	tests := []struct {
		role       model.Role
		wantName   string
		wantMaxAge int
	}{
		{model.RoleUser, "userId", 7 * 24 * 60 * 60},
		{model.RoleAdmin, "adminId", 24 * 60 * 60},
	}
	for _, tt := range tests {
		t.Run(string(tt.role), func(t *testing.T) {
			identity := seedIdentity(t, repo, "cookie-"+string(tt.role), tt.role)
			c := issueCookie(t, g, identity)

			if c.Name != tt.wantName {
				t.Errorf("Name = %q, want %q", c.Name, tt.wantName)
			}
			if c.MaxAge != tt.wantMaxAge {
				t.Errorf("MaxAge = %d, want %d", c.MaxAge, tt.wantMaxAge)
			}
			if !c.HttpOnly || !c.Secure {
				t.Errorf("HttpOnly=%v Secure=%v, want both true", c.HttpOnly, c.Secure)
			}
			if c.SameSite != http.SameSiteNoneMode {
				t.Errorf("SameSite = %v, want None", c.SameSite)
			}
			if c.Value == identity.ID {
				t.Error("cookie value must be signed, not the raw id")
			}
		})
	}
}

func TestGate_Authenticate_RoundTrip(t *testing.T) {
	g, repo := newTestGate(t)
	identity := seedIdentity(t, repo, "user-1", model.RoleUser)

	req := httptest.NewRequest(http.MethodGet, "/user/home", nil)
	req.AddCookie(issueCookie(t, g, identity))

	got, err := g.Authenticate(context.Background(), req, model.RoleUser)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.ID != "user-1" {
		t.Errorf("ID = %q, want user-1", got.ID)
	}
}

func TestGate_Authenticate_Rejects(t *testing.T) {
	g, repo := newTestGate(t)
	user := seedIdentity(t, repo, "user-2", model.RoleUser)
	userCookie := issueCookie(t, g, user)

	forged, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, sessionClaims{
		Role:             "user",
		RegisteredClaims: jwt.RegisteredClaims{Subject: "user-2", ExpiresAt: jwt.NewNumericDate(fixedNow.Add(time.Hour))},
	}).SignedString([]byte("another-secret"))

	noExp, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, sessionClaims{
		Role:             "user",
		RegisteredClaims: jwt.RegisteredClaims{Subject: "user-2"},
	}).SignedString(testSecret)

	tests := []struct {
		name   string
		role   model.Role
		cookie *http.Cookie
	}{
		{"Cookieなし", model.RoleUser, nil},
		{"空のCookie", model.RoleUser, &http.Cookie{Name: "userId", Value: ""}},
		{"生のID", model.RoleUser, &http.Cookie{Name: "userId", Value: "user-2"}},
		{"別の鍵で署名", model.RoleUser, &http.Cookie{Name: "userId", Value: forged}},
		{"期限なし", model.RoleUser, &http.Cookie{Name: "userId", Value: noExp}},
		{"UserトークンをadminIdに設定", model.RoleAdmin, &http.Cookie{Name: "adminId", Value: userCookie.Value}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.cookie != nil {
				req.AddCookie(tt.cookie)
			}
			_, err := g.Authenticate(context.Background(), req, tt.role)
			if !errors.Is(err, ErrUnauthenticated) {
				t.Fatalf("expected ErrUnauthenticated, got %v", err)
			}
		})
	}
}

func TestGate_Authenticate_Expired(t *testing.T) {
	g, repo := newTestGate(t)
	identity := seedIdentity(t, repo, "user-3", model.RoleUser)
	cookie := issueCookie(t, g, identity)

	g.now = func() time.Time { return fixedNow.Add(8 * 24 * time.Hour) }

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(cookie)
	if _, err := g.Authenticate(context.Background(), req, model.RoleUser); !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("expected ErrUnauthenticated after expiry, got %v", err)
	}
}

func TestGate_Authenticate_IdentityMissing(t *testing.T) {
	g, _ := newTestGate(t)
	ghost := &model.Identity{ID: "ghost", Role: model.RoleUser}

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(issueCookie(t, g, ghost))

	if _, err := g.Authenticate(context.Background(), req, model.RoleUser); !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("expected ErrUnauthenticated, got %v", err)
	}
}

func TestGate_Revoke(t *testing.T) {
	g, _ := newTestGate(t)
	rec := httptest.NewRecorder()

	g.Revoke(rec, model.RoleAdmin)

	cookies := rec.Result().Cookies()
	if len(cookies) != 1 {
		t.Fatalf("expected 1 cookie, got %d", len(cookies))
	}
	if cookies[0].Name != "adminId" || cookies[0].Value != "" || cookies[0].MaxAge >= 0 {
		t.Errorf("unexpected revoke cookie: %+v", cookies[0])
	}
}
