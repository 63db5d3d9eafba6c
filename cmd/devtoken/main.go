// Command devtoken prints an unsigned identity token for a gateway running
// with identity.emulator enabled.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

func main() {
	project := flag.String("project", os.Getenv("FIREBASE_PROJECT_ID"), "identity project id (required)")
	uid := flag.String("uid", "", "user id placed in sub (required)")
	email := flag.String("email", "", "optional email claim")
	ttl := flag.Duration("ttl", time.Hour, "token lifetime")
	flag.Parse()

	if *project == "" || *uid == "" {
		flag.Usage()
		fmt.Fprintln(os.Stderr, "\nerror: -project and -uid are required")
		os.Exit(1)
	}

	token, err := mint(*project, *uid, *email, *ttl, time.Now())
	if err != nil {
		log.Fatalf("failed to mint token: %v", err)
	}

	fmt.Println(token)
	fmt.Fprintf(os.Stderr, "\ncurl -H 'Authorization: Bearer %s' ...\n", token)
}

// mint builds an alg "none" token carrying the claims the emulator-mode
// verifier checks.
func mint(project, uid, email string, ttl time.Duration, now time.Time) (string, error) {
	claims := jwt.MapClaims{
		"iss":       "https://securetoken.google.com/" + project,
		"aud":       project,
		"sub":       uid,
		"user_id":   uid,
		"iat":       now.Unix(),
		"auth_time": now.Unix(),
		"exp":       now.Add(ttl).Unix(),
		"firebase":  map[string]interface{}{"sign_in_provider": "custom"},
	}
	if email != "" {
		claims["email"] = email
	}
	return jwt.NewWithClaims(jwt.SigningMethodNone, claims).SignedString(jwt.UnsafeAllowNoneSignatureType)
}
