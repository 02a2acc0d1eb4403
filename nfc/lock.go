package nfc

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
)

// lockStrategy is one way of locking a tag. Strategies are tried in order;
// the first supported one locks, any supported one may report a lock.
type lockStrategy interface {
	Name() string
	IsLocked(s *opScope, st *tagState) (bool, error)
	Lock(s *opScope, st *tagState, password string) error
	Unlock(s *opScope, st *tagState, password string) error
}

// Lock method names reported in LockOutcome.
const (
	MethodNTAGPassword   = "ntag_password"
	MethodNDEFConvention = "ndef_convention"
)

// lockStrategies returns the strategies this tag supports, hardware first.
func (e *Engine) lockStrategies(s *opScope) []lockStrategy {
	var out []lockStrategy
	if e.policy.HardwarePasswordLock && s.tag.IsUltralightClass() {
		if tr, ok := e.session.(Transceiver); ok {
			if model, ok := getVersion(s.ctx, tr); ok {
				s.step("ntag_detected", map[string]any{"model": model.Name})
				out = append(out, &ntagPasswordLock{e: e, tr: tr, model: model})
			}
		}
	}
	if s.tag.IsWritable && s.tag.Has(TechNdef) {
		out = append(out, &ndefConventionLock{e: e})
	}
	return out
}

// ndefConventionLock stores locked/password keys in the NDEF payload. Any
// NFC tool can read or rewrite them; it is a convention, not protection.
type ndefConventionLock struct {
	e *Engine
}

func (l *ndefConventionLock) Name() string { return MethodNDEFConvention }

func (l *ndefConventionLock) IsLocked(_ *opScope, st *tagState) (bool, error) {
	return st.payload != nil && st.payload.IsLocked(), nil
}

// textLockField holds a plain text record while its tag is locked.
const textLockField = "content"

func (l *ndefConventionLock) Lock(s *opScope, st *tagState, password string) error {
	base := TagPayload{}
	switch {
	case st.payload != nil:
		base = st.payload.Clone()
	case !st.empty:
		base[textLockField] = st.text.Text
		base[KeyTextLock] = true
	}

	var locked TagPayload
	if l.e.sealed {
		var err error
		if locked, err = sealPayload(base, password, rand.Reader); err != nil {
			return err
		}
		s.step("payload_sealed", nil)
	} else {
		locked = base
		locked[KeyLocked] = true
		locked[KeyPassword] = password
	}

	_, err := l.e.writePayload(s, locked)
	return err
}

func (l *ndefConventionLock) Unlock(s *opScope, st *tagState, password string) error {
	var restored TagPayload
	if isSealed(st.payload) {
		var err error
		if restored, err = unsealPayload(st.payload, password); err != nil {
			return err
		}
	} else {
		stored, _ := st.payload[KeyPassword].(string)
		if subtle.ConstantTimeCompare([]byte(stored), []byte(password)) != 1 {
			return withCause(ErrPasswordMismatch, "Unlock", nil)
		}
		restored = st.payload.Clone()
		delete(restored, KeyLocked)
		delete(restored, KeyPassword)
	}
	s.step("password_verified", nil)

	if wasText, _ := restored[KeyTextLock].(bool); wasText {
		text, _ := restored[textLockField].(string)
		l.e.setState(StateEncoding)
		msg, err := EncodeTextMessage(text)
		if err != nil {
			return err
		}
		s.step("text_restored", nil)
		_, err = l.e.writeMessage(s, msg)
		return err
	}
	if len(restored) == 0 {
		l.e.setState(StateEncoding)
		msg, err := EncodeMessage([]NDEFRecord{EmptyRecord()})
		if err != nil {
			return err
		}
		_, err = l.e.writeMessage(s, msg)
		return err
	}
	_, err := l.e.writePayload(s, restored)
	return err
}

// Sealed payloads keep the user fields encrypted with XChaCha20-Poly1305
// under an Argon2id key. The password key holds a verifier of the form
// argon2id$<salt>$<hash> instead of the password itself.
const (
	verifierScheme = "argon2id"
	argonTime      = 2
	argonMemory    = 19 * 1024
	argonThreads   = 1
	saltLen        = 16
	verifierLen    = 32
)

var b64 = base64.RawStdEncoding

func deriveSealKeys(password string, salt []byte) (key, verifier []byte) {
	k := argon2.IDKey([]byte(password), salt, argonTime, argonMemory, argonThreads, chacha20poly1305.KeySize+verifierLen)
	return k[:chacha20poly1305.KeySize], k[chacha20poly1305.KeySize:]
}

func isSealed(p TagPayload) bool {
	if _, ok := p[KeySealed]; ok {
		return true
	}
	stored, _ := p[KeyPassword].(string)
	return strings.HasPrefix(stored, verifierScheme+"$")
}

// sealPayload returns the locked form of p: id, locked, the verifier and the
// sealed user fields. The text marker stays in the clear.
func sealPayload(p TagPayload, password string, random io.Reader) (TagPayload, error) {
	plaintext, err := MarshalPayload(TagPayload(p.Fields()))
	if err != nil {
		return nil, err
	}

	salt := make([]byte, saltLen)
	if _, err := io.ReadFull(random, salt); err != nil {
		return nil, fmt.Errorf("seal payload: %w", err)
	}
	key, verifier := deriveSealKeys(password, salt)

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("seal payload: %w", err)
	}
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err := io.ReadFull(random, nonce); err != nil {
		return nil, fmt.Errorf("seal payload: %w", err)
	}
	sealed := aead.Seal(nonce, nonce, plaintext, []byte(verifierScheme))

	out := TagPayload{
		KeyLocked:   true,
		KeyPassword: fmt.Sprintf("%s$%s$%s", verifierScheme, b64.EncodeToString(salt), b64.EncodeToString(verifier)),
		KeySealed:   b64.EncodeToString(sealed),
	}
	carryClearKeys(out, p)
	return out, nil
}

// unsealPayload checks password against the verifier and returns the clear
// payload with the id and text marker re-attached.
func unsealPayload(p TagPayload, password string) (TagPayload, error) {
	stored, _ := p[KeyPassword].(string)
	parts := strings.Split(stored, "$")
	if len(parts) != 3 || parts[0] != verifierScheme {
		return nil, NewError(CategoryInvalidData, "Unlock", "malformed password verifier", nil)
	}
	salt, err := b64.DecodeString(parts[1])
	if err != nil {
		return nil, NewError(CategoryInvalidData, "Unlock", "malformed verifier salt", err)
	}
	verifier, err := b64.DecodeString(parts[2])
	if err != nil {
		return nil, NewError(CategoryInvalidData, "Unlock", "malformed verifier hash", err)
	}

	key, want := deriveSealKeys(password, salt)
	if subtle.ConstantTimeCompare(want, verifier) != 1 {
		return nil, withCause(ErrPasswordMismatch, "Unlock", nil)
	}

	out := TagPayload{}
	if text, _ := p[KeySealed].(string); text != "" {
		sealed, err := b64.DecodeString(text)
		if err != nil {
			return nil, NewError(CategoryInvalidData, "Unlock", "malformed sealed fields", err)
		}
		aead, err := chacha20poly1305.NewX(key)
		if err != nil {
			return nil, fmt.Errorf("unseal payload: %w", err)
		}
		if len(sealed) < aead.NonceSize() {
			return nil, NewError(CategoryInvalidData, "Unlock", "sealed fields truncated", nil)
		}
		plaintext, err := aead.Open(nil, sealed[:aead.NonceSize()], sealed[aead.NonceSize():], []byte(verifierScheme))
		if err != nil {
			return nil, NewError(CategoryInvalidData, "Unlock", "sealed fields do not authenticate", err)
		}
		if out, err = ParsePayload(string(plaintext)); err != nil {
			return nil, NewError(CategoryInvalidData, "Unlock", "sealed fields are not a payload", err)
		}
	}
	carryClearKeys(out, p)
	return out, nil
}

func carryClearKeys(dst, src TagPayload) {
	for _, k := range []string{KeyID, KeyTextLock} {
		if v, ok := src[k]; ok {
			dst[k] = v
		}
	}
}

// ntagPasswordLock uses the NTAG21x PWD/PACK/AUTH0 configuration. Writes to
// user memory then require PWD_AUTH; reads stay open.
type ntagPasswordLock struct {
	e     *Engine
	tr    Transceiver
	model ntagModel
	cfg   []byte // CFG0, CFG1, PWD, PACK pages as last read
}

func (l *ntagPasswordLock) Name() string { return MethodNTAGPassword }

// ntagCredentials derives the 32-bit password and 16-bit acknowledge from
// the user password, salted with the tag UID.
func ntagCredentials(password string, uid []byte) (pwd [4]byte, pack [2]byte) {
	salt := append([]byte("ntag-pwd:"), uid...)
	k := argon2.IDKey([]byte(password), salt, argonTime, argonMemory, argonThreads, 6)
	copy(pwd[:], k[:4])
	copy(pack[:], k[4:])
	return pwd, pack
}

func (l *ntagPasswordLock) config(s *opScope) ([]byte, error) {
	if l.cfg != nil {
		return l.cfg, nil
	}
	cfg, err := readPages(s.ctx, l.tr, l.model.CFG0)
	if err != nil {
		return nil, platformError("ReadConfig", err, CategoryReadFailed)
	}
	l.cfg = cfg
	return cfg, nil
}

func (l *ntagPasswordLock) IsLocked(s *opScope, _ *tagState) (bool, error) {
	cfg, err := l.config(s)
	if err != nil {
		return false, err
	}
	return cfg[3] != authDisabled, nil
}

func (l *ntagPasswordLock) Lock(s *opScope, _ *tagState, password string) error {
	cfg, err := l.config(s)
	if err != nil {
		return err
	}
	pwd, pack := ntagCredentials(password, s.tag.ID)

	cfg0 := page4(cfg[0:4])
	cfg0[3] = ultralightUserPageStart
	cfg1 := page4(cfg[4:8])
	cfg1[0] &^= cfgProtBit

	// AUTH0 last: protection starts only once PWD and PACK are in place.
	writes := []struct {
		page byte
		data [4]byte
	}{
		{l.model.pwdPage(), pwd},
		{l.model.packPage(), [4]byte{pack[0], pack[1], 0, 0}},
		{l.model.cfg1Page(), cfg1},
		{l.model.CFG0, cfg0},
	}
	for _, w := range writes {
		if err := writePage(s.ctx, l.tr, w.page, w.data); err != nil {
			return platformError("WriteConfig", err, CategoryWriteFailed)
		}
	}
	s.step("ntag_locked", map[string]any{"model": l.model.Name})
	return nil
}

func (l *ntagPasswordLock) Unlock(s *opScope, _ *tagState, password string) error {
	cfg, err := l.config(s)
	if err != nil {
		return err
	}
	pwd, pack := ntagCredentials(password, s.tag.ID)

	resp, err := l.tr.Transceive(s.ctx, append([]byte{cmdPwdAuth}, pwd[:]...))
	if err != nil {
		if s.ctx.Err() != nil || isTransient(err) {
			return platformError("PwdAuth", err, CategoryConnectionLost)
		}
		return withCause(ErrPasswordMismatch, "PwdAuth", nil)
	}
	if len(resp) < 2 || subtle.ConstantTimeCompare(resp[:2], pack[:]) != 1 {
		return withCause(ErrPasswordMismatch, "PwdAuth", nil)
	}
	s.step("password_verified", nil)

	cfg0 := page4(cfg[0:4])
	cfg0[3] = authDisabled
	if err := writePage(s.ctx, l.tr, l.model.CFG0, cfg0); err != nil {
		return platformError("WriteConfig", err, CategoryWriteFailed)
	}
	s.step("ntag_unlocked", map[string]any{"model": l.model.Name})
	return nil
}
