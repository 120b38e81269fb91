package common

// Logical cache keys used in the persistent cache store. The content
// contract per key:
//
//   - CacheKeyEncryptedJWT: base64 blob produced by the at-rest cipher.
//   - CacheKeyAPIKeys: base64 blob (encrypted JSON array of API keys).
//   - CacheKeyBalance: plaintext numeric string.
//   - CacheKeyUserSession: plaintext JSON session record, no token field.
//   - CacheKeyLogoutFlag: timestamp string; presence forces anonymous state.
//   - CacheKeySessionBroadcast / CacheKeyLogoutBroadcast: ephemeral
//     cross-tab signal slots, removed shortly after being written.
const (
	CacheKeyEncryptedJWT     = "encrypted_jwt"
	CacheKeyAPIKeys          = "api_keys_cache"
	CacheKeyBalance          = "balance_cache"
	CacheKeyUserSession      = "user_session"
	CacheKeyLogoutFlag       = "logout_flag"
	CacheKeySessionBroadcast = "session_broadcast"
	CacheKeyLogoutBroadcast  = "logout_broadcast"
)

// AuthHeaderName is the HTTP header used to carry the bearer token on
// outbound requests.
const AuthHeaderName = "Authorization"
