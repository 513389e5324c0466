// Package apperr is the single error taxonomy for the server. Every error
// that can reach the HTTP boundary is a sentinel declared here, registered
// with an (err_code, HTTP status, default message) triple. Handlers never
// hand-roll an error envelope — they return a sentinel (optionally wrapped
// with %w for logging context) and internal/api/response.go does the
// mapping, replacing the two ad-hoc per-package error shapes the teacher
// carried (api.Err* helpers plus raw fmt.Errorf strings).
package apperr

import (
	"errors"
	"net/http"
)

// Kind is a registered sentinel error. Comparing with errors.Is is the
// supported way to check for a specific failure.
type Kind struct {
	code    uint32
	status  int
	message string
}

func (k *Kind) Error() string { return k.message }

// Code returns the stable numeric error code shipped in the envelope.
func (k *Kind) Code() uint32 { return k.code }

// Status returns the HTTP status this error maps to.
func (k *Kind) Status() int { return k.status }

func register(code uint32, status int, message string) *Kind {
	return &Kind{code: code, status: status, message: message}
}

// Transport
var (
	ErrNotFound       = register(1000, http.StatusNotFound, "page not found")
	ErrInputTooBig    = register(1001, http.StatusRequestEntityTooLarge, "input too big")
	ErrBadTimeFormat  = register(1002, http.StatusBadRequest, "unexpected time format")
	ErrBadRequestBody = register(1003, http.StatusBadRequest, "malformed request body")
)

// Persistence
var (
	ErrDBQuery         = register(1100, http.StatusInternalServerError, "database query failed")
	ErrDBExecute       = register(1101, http.StatusInternalServerError, "database execute failed")
	ErrDBTransaction   = register(1102, http.StatusInternalServerError, "database transaction failed")
	ErrDBBulkInsert    = register(1103, http.StatusInternalServerError, "database bulk insert failed")
	ErrNoDBConnection  = register(1104, http.StatusInternalServerError, "no database connection available")
)

// Identity
var (
	ErrUserNotFound       = register(1200, http.StatusNotFound, "user not found")
	ErrUserExists         = register(1201, http.StatusConflict, "user already exists")
	ErrAuthKeyFormat      = register(1202, http.StatusBadRequest, "invalid authentication key format")
	ErrLogin              = register(1203, http.StatusUnauthorized, "wrong username or password")
	ErrWrongJWTAction     = register(1204, http.StatusForbidden, "this action requires a fresh token")
	ErrRefreshToken       = register(1205, http.StatusUnauthorized, "invalid refresh token")
	ErrJWTValidation      = register(1206, http.StatusUnauthorized, "token validation failed")
	ErrJWTNotFound        = register(1207, http.StatusUnauthorized, "token not found")
	ErrJWTWrongFormat     = register(1208, http.StatusBadRequest, "malformed token")
	ErrJWTCreation        = register(1209, http.StatusInternalServerError, "failed to create token")
	ErrJWTKeyCreation     = register(1210, http.StatusInternalServerError, "failed to create jwt key")
	ErrJWTKeyNotFound     = register(1211, http.StatusUnauthorized, "jwt key not found")
	ErrTotpGet            = register(1212, http.StatusInternalServerError, "failed to load totp secret")
	ErrTotpWrongToken     = register(1213, http.StatusUnauthorized, "wrong totp token")
	ErrTotpSecretDecode   = register(1214, http.StatusInternalServerError, "failed to decode totp secret")
)

// App scope
var (
	ErrAppTokenNotFound   = register(1300, http.StatusUnauthorized, "app token not found")
	ErrAppTokenWrongFormat = register(1301, http.StatusBadRequest, "malformed app token")
	ErrAppNotFound        = register(1302, http.StatusUnauthorized, "app not found")
	ErrAppDisabled        = register(1303, http.StatusForbidden, "app is disabled")
	ErrAppActionDenied    = register(1304, http.StatusForbidden, "app token class does not permit this action")
)

// Group
var (
	ErrGroupAccess                 = register(1400, http.StatusForbidden, "access denied")
	ErrGroupUserRank               = register(1401, http.StatusForbidden, "insufficient rank")
	ErrGroupUserRankUpdate         = register(1402, http.StatusForbidden, "cannot update rank")
	ErrGroupUserKick               = register(1403, http.StatusForbidden, "cannot remove member")
	ErrGroupUserKickRank           = register(1404, http.StatusForbidden, "cannot remove a member of equal or higher rank")
	ErrGroupNoKeys                 = register(1405, http.StatusNotFound, "group has no keys")
	ErrGroupTooManyKeys            = register(1406, http.StatusBadRequest, "too many keys requested")
	ErrGroupKeyRotationLimit       = register(1407, http.StatusTooManyRequests, "monthly key rotation limit reached")
	ErrGroupKeyRotationKeysNotFound = register(1408, http.StatusNotFound, "rotation key not found")
	ErrGroupKeyRotationThread      = register(1409, http.StatusInternalServerError, "key rotation fan-out failed")
	ErrGroupKeyRotationUserEncrypt = register(1410, http.StatusBadRequest, "failed to encrypt key for recipient")
	ErrGroupInviteStop             = register(1411, http.StatusForbidden, "group invites are disabled")
	ErrGroupConnectedFromConnected = register(1412, http.StatusBadRequest, "a connected group cannot join another connected group")
	ErrGroupJoinAsConnectedGroup   = register(1413, http.StatusBadRequest, "cannot join as a connected group here")
	ErrGroupDepthExceeded          = register(1414, http.StatusBadRequest, "group tree too deep")
)

// File
var (
	ErrFileSessionNotFound = register(1500, http.StatusNotFound, "upload session not found")
	ErrFileSessionExpired  = register(1501, http.StatusGone, "upload session expired")
	ErrFileNotFound        = register(1502, http.StatusNotFound, "file not found")
	ErrFileUploadNotAllowed = register(1503, http.StatusForbidden, "file upload not allowed for this app")
	ErrFileAccess          = register(1504, http.StatusForbidden, "file access denied")
)

// Captcha
var (
	ErrCaptchaCreate   = register(1600, http.StatusInternalServerError, "failed to create captcha")
	ErrCaptchaNotFound = register(1601, http.StatusNotFound, "captcha not found")
	ErrCaptchaTooOld   = register(1602, http.StatusGone, "captcha expired")
	ErrCaptchaWrong    = register(1603, http.StatusBadRequest, "wrong captcha solution")
)

// Content
var (
	ErrContentItemNotSet           = register(1700, http.StatusBadRequest, "content item reference not set")
	ErrContentItemTooBig           = register(1701, http.StatusBadRequest, "content item reference too big")
	ErrSearchableItemRefNotSet     = register(1702, http.StatusBadRequest, "searchable item reference not set")
	ErrSearchableItemRefTooBig     = register(1703, http.StatusBadRequest, "searchable item reference too big")
	ErrSearchableNoHashes          = register(1704, http.StatusBadRequest, "no searchable hashes supplied")
	ErrSearchableTooManyHashes     = register(1705, http.StatusBadRequest, "too many searchable hashes")
	ErrSearchableQueryMissing      = register(1706, http.StatusBadRequest, "search query missing")
)

// all is the lookup table response.go uses to map a sentinel to its wire
// representation. It is populated by init() to avoid repeating every
// variable's name a second time.
var all = map[*Kind]struct{}{}

func init() {
	for _, k := range []*Kind{
		ErrNotFound, ErrInputTooBig, ErrBadTimeFormat, ErrBadRequestBody,
		ErrDBQuery, ErrDBExecute, ErrDBTransaction, ErrDBBulkInsert, ErrNoDBConnection,
		ErrUserNotFound, ErrUserExists, ErrAuthKeyFormat, ErrLogin, ErrWrongJWTAction,
		ErrRefreshToken, ErrJWTValidation, ErrJWTNotFound, ErrJWTWrongFormat, ErrJWTCreation,
		ErrJWTKeyCreation, ErrJWTKeyNotFound, ErrTotpGet, ErrTotpWrongToken, ErrTotpSecretDecode,
		ErrAppTokenNotFound, ErrAppTokenWrongFormat, ErrAppNotFound, ErrAppDisabled, ErrAppActionDenied,
		ErrGroupAccess, ErrGroupUserRank, ErrGroupUserRankUpdate, ErrGroupUserKick, ErrGroupUserKickRank,
		ErrGroupNoKeys, ErrGroupTooManyKeys, ErrGroupKeyRotationLimit, ErrGroupKeyRotationKeysNotFound,
		ErrGroupKeyRotationThread, ErrGroupKeyRotationUserEncrypt, ErrGroupInviteStop,
		ErrGroupConnectedFromConnected, ErrGroupJoinAsConnectedGroup,
		ErrFileSessionNotFound, ErrFileSessionExpired, ErrFileNotFound, ErrFileUploadNotAllowed, ErrFileAccess,
		ErrCaptchaCreate, ErrCaptchaNotFound, ErrCaptchaTooOld, ErrCaptchaWrong,
		ErrContentItemNotSet, ErrContentItemTooBig, ErrSearchableItemRefNotSet, ErrSearchableItemRefTooBig,
		ErrSearchableNoHashes, ErrSearchableTooManyHashes, ErrSearchableQueryMissing,
	} {
		all[k] = struct{}{}
	}
}

// Resolve walks err's chain looking for a registered *Kind. Unrecognized
// errors map to a generic 500 so a forgotten sentinel never leaks internals
// to the client.
func Resolve(err error) *Kind {
	var k *Kind
	if errors.As(err, &k) {
		if _, ok := all[k]; ok {
			return k
		}
	}
	return &Kind{code: 0, status: http.StatusInternalServerError, message: "internal server error"}
}
