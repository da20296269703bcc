package auth

import (
	"crypto/md5"
	"crypto/rand"
	"encoding/hex"
	"regexp"
	"strings"
	"time"

	"github.com/ghettovoice/gosip/log"
	"github.com/ghettovoice/gosip/sip"

	"github.com/cloudwebrtc/go-pbx-sched/pkg/utils"
)

type RequestCredentialCallback func(username string) (password string, ha1 string, err error)

// ServerAuthorizer Proxy-Authorization | WWW-Authenticate
type ServerAuthorizer struct {
	nonces            *nonceStore
	requestCredential RequestCredentialCallback
	useAuthInt        bool
	realm             string
	log               log.Logger
}

// NewServerAuthorizer .
func NewServerAuthorizer(callback RequestCredentialCallback, realm string, authInt bool) *ServerAuthorizer {
	return NewServerAuthorizerWithExpiry(callback, realm, authInt, NonceExpire)
}

// NewServerAuthorizerWithExpiry is NewServerAuthorizer with a custom nonce lifetime.
func NewServerAuthorizerWithExpiry(callback RequestCredentialCallback, realm string, authInt bool, expire time.Duration) *ServerAuthorizer {
	logger := utils.NewLogrusLogger(log.InfoLevel, "ServerAuthorizer", nil)
	return &ServerAuthorizer{
		nonces:            newNonceStore(expire, logger),
		requestCredential: callback,
		useAuthInt:        authInt,
		realm:             realm,
		log:               logger,
	}
}

// Close stops nonce expiry.
func (auth *ServerAuthorizer) Close() {
	auth.nonces.close()
}

// ServerAuthorizer handles Authenticate requests.
func (auth *ServerAuthorizer) Authenticate(request sip.Request, tx sip.ServerTransaction) (string, bool) {
	logger := auth.log
	logger.Debugf("Request => %s", request.Short())

	from, _ := request.From()

	hdrs := request.GetHeaders("Authorization")
	if len(hdrs) == 0 {
		auth.requestAuthentication(request, tx, from)
		return "", false
	}

	authenticateHeader := hdrs[0].(*sip.GenericHeader)
	authArgs := parseAuthHeader(authenticateHeader.Contents)
	return auth.checkAuthorization(request, tx, authArgs, from)
}

// challenge returns the WWW-Authenticate value for a new nonce of callID.
func (auth *ServerAuthorizer) challenge(callID string) string {
	session := auth.nonces.issue(callID)

	digest := sip.NewParams()
	digest.Add("realm", sip.String{Str: "\"" + auth.realm + "\""})
	if auth.useAuthInt {
		digest.Add("qop", sip.String{Str: "\"auth,auth-int\""})
	} else {
		digest.Add("qop", sip.String{Str: "\"auth\""})
	}
	digest.Add("nonce", sip.String{Str: "\"" + session.nonce + "\""})
	digest.Add("opaque", sip.String{Str: "\"" + generateNonce(4) + "\""})
	digest.Add("stale", sip.String{Str: "\"false\""})
	digest.Add("algorithm", sip.String{Str: "\"md5\""})
	return "Digest " + digest.ToString(',')
}

func (auth *ServerAuthorizer) requestAuthentication(request sip.Request, tx sip.ServerTransaction, from *sip.FromHeader) {
	callID, ok := request.CallID()
	if !ok {
		sendResponse(request, tx, 400, "Missing required Call-ID header.")
		return
	}

	response := sip.NewResponseFromRequest(request.MessageID(), request, 401, "Unauthorized", "")
	response.AppendHeader(&sip.GenericHeader{
		HeaderName: "WWW-Authenticate",
		Contents:   auth.challenge(callID.String()),
	})

	from.Params.Add("tag", sip.String{Str: generateNonce(8)})
	response.SetBody("", true)
	tx.Respond(response)
}

func (auth *ServerAuthorizer) checkAuthorization(request sip.Request, tx sip.ServerTransaction,
	authArgs sip.Params, from *sip.FromHeader) (string, bool) {
	callID, ok := request.CallID()
	if !ok {
		sendResponse(request, tx, 400, "Missing required Call-ID header.")
		return "", false
	}

	session, found := auth.nonces.lookup(callID.String())
	if !found {
		auth.requestAuthentication(request, tx, from)
		return "", false
	}

	username := from.Address.User().String()
	if name, ok := authArgs.Get("username"); ok && name.String() != username {
		auth.requestAuthentication(request, tx, from)
		return "", false
	}

	if nonce, ok := authArgs.Get("nonce"); ok && nonce.String() != session.nonce {
		auth.requestAuthentication(request, tx, from)
		return "", false
	}

	password, ha1, err := auth.requestCredential(username)
	if err != nil {
		sendResponse(request, tx, 404, "User not found")
		return "", false
	}

	if !verifyDigest(string(request.Method()), request.Body(), session.nonce, authArgs, username, password, ha1) {
		sendResponse(request, tx, 403, "Forbidden (Bad auth)")
		return "", false
	}

	auth.nonces.forget(callID.String())
	return username, true
}

func paramString(args sip.Params, key string) string {
	if v, ok := args.Get(key); ok && v != nil {
		return v.String()
	}
	return ""
}

// verifyDigest checks the response of an Authorization header against nonce.
// ha1 may be empty, it is then computed from password.
func verifyDigest(method, body, nonce string, authArgs sip.Params, username, password, ha1 string) bool {
	uri := paramString(authArgs, "uri")
	nc := paramString(authArgs, "nc")
	cnonce := paramString(authArgs, "cnonce")
	qop := paramString(authArgs, "qop")
	realm := paramString(authArgs, "realm")

	// HA1 = MD5(A1) = MD5(username:realm:password).
	if len(ha1) == 0 {
		ha1 = md5Hex(username + ":" + realm + ":" + password)
	}

	var result string
	switch qop {
	case "auth":
		// HA2 = MD5(A2) = MD5(method:digestURI).
		ha2 := md5Hex(method + ":" + uri)

		// Response = MD5(HA1:nonce:nonceCount:credentialsNonce:qop:HA2).
		result = md5Hex(ha1 + ":" + nonce + ":" + nc + ":" + cnonce + ":auth:" + ha2)
	case "auth-int":
		// HA2 = MD5(A2) = MD5(method:digestURI:MD5(entityBody)).
		ha2 := md5Hex(method + ":" + uri + ":" + md5Hex(body))

		result = md5Hex(ha1 + ":" + nonce + ":" + nc + ":" + cnonce + ":auth-int:" + ha2)
	default:
		// Response = MD5(HA1:nonce:HA2).
		result = md5Hex(ha1 + ":" + nonce + ":" + md5Hex(method+":"+uri))
	}

	return result == paramString(authArgs, "response")
}

// parseAuthHeader .
func parseAuthHeader(value string) sip.Params {
	authArgs := sip.NewParams()
	re := regexp.MustCompile(`([\w]+)=("([^"]+)"|([\w]+))`)
	matches := re.FindAllStringSubmatch(value, -1)
	for _, match := range matches {
		authArgs.Add(match[1], sip.String{Str: strings.Replace(match[2], "\"", "", -1)})
	}
	return authArgs
}

func generateNonce(size int) string {
	bytes := make([]byte, size)
	if _, err := rand.Read(bytes); err != nil {
		panic(err)
	}
	return hex.EncodeToString(bytes)
}

func md5Hex(data string) string {
	sum := md5.Sum([]byte(data))
	return hex.EncodeToString(sum[:])
}

// sendResponse .
func sendResponse(request sip.Request, tx sip.ServerTransaction, statusCode sip.StatusCode, reason string) {
	response := sip.NewResponseFromRequest(request.MessageID(), request, statusCode, reason, "")
	tx.Respond(response)
}
