package middleware

import (
	"crypto/subtle"
	"net/http"
)

// AdminPasscodeHeader carries the teacher passcode on admin requests.
const AdminPasscodeHeader = "X-Admin-Passcode"

// AdminOnly guards the teacher-only endpoints (redemptions) with a shared
// passcode, compared in constant time.
func AdminOnly(passcode string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			supplied := r.Header.Get(AdminPasscodeHeader)
			if supplied == "" ||
				subtle.ConstantTimeCompare([]byte(supplied), []byte(passcode)) != 1 {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusUnauthorized)
				w.Write([]byte(`{"error": "invalid admin passcode"}`))
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
