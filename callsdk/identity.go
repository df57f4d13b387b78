/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2026 BDIC Virtual Market
 */

package callsdk

import (
	"fmt"
	"strings"

	jose "github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
)

// identityClaims is the subset of the platform JWT claims the SDK reads.
type identityClaims struct {
	Email   string `json:"email"`
	Subject string `json:"sub"`
}

// signatureAlgorithms lists the algorithms the platform auth service issues
// tokens with. Parsing fails for anything outside this list.
var signatureAlgorithms = []jose.SignatureAlgorithm{
	jose.HS256, jose.HS384, jose.HS512,
	jose.RS256, jose.RS384, jose.RS512,
	jose.ES256, jose.ES384, jose.ES512,
}

// EmailFromToken extracts the signed-in email from an identity token.
//
// The token is issued and verified by the platform auth service; this client
// only reads claims for identity routing, so the signature is intentionally
// not verified here. Tokens whose claims carry no email are rejected;
// supply Config.UserEmail in that case.
func EmailFromToken(identityToken string) (string, error) {
	tok, err := jwt.ParseSigned(identityToken, signatureAlgorithms)
	if err != nil {
		return "", fmt.Errorf("parse identity token: %w", err)
	}

	var claims identityClaims
	if err := tok.UnsafeClaimsWithoutVerification(&claims); err != nil {
		return "", fmt.Errorf("read identity claims: %w", err)
	}

	if claims.Email != "" {
		return claims.Email, nil
	}
	if strings.Contains(claims.Subject, "@") {
		return claims.Subject, nil
	}

	return "", fmt.Errorf("identity token carries no email claim")
}
