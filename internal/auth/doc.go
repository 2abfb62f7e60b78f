// Package auth issues the short-lived credentials the device presents to the
// MQTT bridge.
//
// A credential is a JWT carrying iat, exp and aud (the cloud project id),
// signed with the device private key using RS256 or ES256. The bridge ignores
// the MQTT username and reads the token from the password field, so a
// credential is only valid for as long as its exp claim allows and has to be
// rotated by reconnecting.
package auth
