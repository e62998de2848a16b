package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

func TestRequireRole(t *testing.T) {
	tests := []struct {
		name    string
		roles   []string
		require []string
		allowed bool
	}{
		{"cashier on billing route", []string{RoleCashier}, []string{RoleBilling, RoleCashier}, true},
		{"billing on billing route", []string{RoleBilling}, []string{RoleBilling, RoleCashier}, true},
		{"pharmacist on billing route", []string{RolePharmacist}, []string{RoleBilling, RoleCashier}, false},
		{"cashier on stock route", []string{RoleCashier}, []string{RolePharmacist}, false},
		{"admin bypass", []string{RoleAdmin}, []string{RolePharmacist}, true},
		{"no roles", nil, []string{RoleBilling}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := echo.New()
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req = req.WithContext(ContextWithUser(context.Background(), "u1", tt.roles))
			c := e.NewContext(req, httptest.NewRecorder())

			called := false
			err := RequireRole(tt.require...)(func(c echo.Context) error {
				called = true
				return nil
			})(c)

			if tt.allowed {
				if err != nil || !called {
					t.Errorf("expected access, got err=%v called=%v", err, called)
				}
				return
			}
			expectStatus(t, err, http.StatusForbidden)
			if called {
				t.Error("handler should not run when the role is missing")
			}
		})
	}
}

func TestHasAnyRole(t *testing.T) {
	if !HasAnyRole([]string{"nurse", RolePharmacist}, RolePharmacist) {
		t.Error("expected pharmacist to match")
	}
	if HasAnyRole([]string{"nurse"}, RolePharmacist, RoleBilling) {
		t.Error("expected nurse not to match")
	}
	if !HasAnyRole([]string{RoleAdmin}) {
		t.Error("expected admin to pass with no required roles")
	}
}
