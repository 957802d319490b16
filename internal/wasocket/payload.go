package wasocket

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"

	"wabot/internal/wa"
)

// Handshake message field numbers, matching the gateway's schema.
const (
	fieldClientHello  = 2
	fieldServerHello  = 3
	fieldClientFinish = 4
)

// marshalClientHello wraps the client ephemeral in a handshake message.
func marshalClientHello(ephemeral []byte) []byte {
	var hello []byte
	hello = protowire.AppendTag(hello, 1, protowire.BytesType)
	hello = protowire.AppendBytes(hello, ephemeral)

	var msg []byte
	msg = protowire.AppendTag(msg, fieldClientHello, protowire.BytesType)
	msg = protowire.AppendBytes(msg, hello)
	return msg
}

// serverHello is the responder's handshake message.
type serverHello struct {
	ephemeral []byte
	static    []byte // encrypted
	payload   []byte // encrypted certificate chain
}

func parseServerHello(data []byte) (*serverHello, error) {
	inner, err := bytesField(data, fieldServerHello)
	if err != nil {
		return nil, fmt.Errorf("wasocket: parse server hello: %w", err)
	}
	var sh serverHello
	if err := eachField(inner, func(num protowire.Number, val []byte) {
		switch num {
		case 1:
			sh.ephemeral = val
		case 2:
			sh.static = val
		case 3:
			sh.payload = val
		}
	}); err != nil {
		return nil, fmt.Errorf("wasocket: parse server hello: %w", err)
	}
	if len(sh.ephemeral) == 0 || len(sh.static) == 0 {
		return nil, fmt.Errorf("wasocket: server hello missing key material")
	}
	return &sh, nil
}

// marshalClientFinish wraps the encrypted static key and payload.
func marshalClientFinish(static, payload []byte) []byte {
	var finish []byte
	finish = protowire.AppendTag(finish, 1, protowire.BytesType)
	finish = protowire.AppendBytes(finish, static)
	finish = protowire.AppendTag(finish, 2, protowire.BytesType)
	finish = protowire.AppendBytes(finish, payload)

	var msg []byte
	msg = protowire.AppendTag(msg, fieldClientFinish, protowire.BytesType)
	msg = protowire.AppendBytes(msg, finish)
	return msg
}

// marshalClientPayload builds the login (or registration) payload sent in
// the client finish. Registered sessions log in by JID; blank ones send
// their pairing key material.
func marshalClientPayload(creds *wa.Credentials, version [3]uint32) []byte {
	var agent []byte
	agent = protowire.AppendTag(agent, 1, protowire.VarintType)
	agent = protowire.AppendVarint(agent, 1) // platform: web
	var appVersion []byte
	for i, field := range []protowire.Number{1, 2, 3} {
		appVersion = protowire.AppendTag(appVersion, field, protowire.VarintType)
		appVersion = protowire.AppendVarint(appVersion, uint64(version[i]))
	}
	agent = protowire.AppendTag(agent, 2, protowire.BytesType)
	agent = protowire.AppendBytes(agent, appVersion)

	var p []byte
	if creds.Registered {
		p = protowire.AppendTag(p, 1, protowire.BytesType)
		p = protowire.AppendString(p, creds.JID)
		p = protowire.AppendTag(p, 3, protowire.VarintType)
		p = protowire.AppendVarint(p, 0) // passive: false, we want the event stream
	} else {
		var pairing []byte
		pairing = protowire.AppendTag(pairing, 1, protowire.VarintType)
		pairing = protowire.AppendVarint(pairing, uint64(creds.RegistrationID))
		pairing = protowire.AppendTag(pairing, 2, protowire.BytesType)
		pairing = protowire.AppendBytes(pairing, creds.IdentityKey.Pub)
		pairing = protowire.AppendTag(pairing, 3, protowire.BytesType)
		pairing = protowire.AppendBytes(pairing, creds.PairingEphemeral.Pub)
		p = protowire.AppendTag(p, 18, protowire.BytesType)
		p = protowire.AppendBytes(p, pairing)
	}
	p = protowire.AppendTag(p, 5, protowire.BytesType)
	p = protowire.AppendBytes(p, agent)
	return p
}

// Gateway envelope ops carried inside the encrypted channel.
const (
	opLoginOK     = 1
	opPairRef     = 2
	opCredsUpdate = 3
	opKeyUpdate   = 4
	opMessage     = 5
	opStreamEnd   = 6
	opPing        = 7
	opPairRequest = 8
)

// envelope is one decrypted gateway frame: an op and its payload.
type envelope struct {
	op      uint64
	payload []byte
}

func marshalEnvelope(op uint64, payload []byte) []byte {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.VarintType)
	b = protowire.AppendVarint(b, op)
	if payload != nil {
		b = protowire.AppendTag(b, 2, protowire.BytesType)
		b = protowire.AppendBytes(b, payload)
	}
	return b
}

func parseEnvelope(data []byte) (*envelope, error) {
	var env envelope
	seen := false
	err := eachRawField(data, func(num protowire.Number, typ protowire.Type, raw []byte) error {
		switch {
		case num == 1 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(raw)
			if n < 0 {
				return protowire.ParseError(n)
			}
			env.op, seen = v, true
		case num == 2 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(raw)
			if n < 0 {
				return protowire.ParseError(n)
			}
			env.payload = v
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("wasocket: parse envelope: %w", err)
	}
	if !seen {
		return nil, fmt.Errorf("wasocket: envelope missing op")
	}
	return &env, nil
}

// marshalMessage encodes a chat message payload.
func marshalMessage(chat, sender, text string) []byte {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.BytesType)
	b = protowire.AppendString(b, chat)
	b = protowire.AppendTag(b, 2, protowire.BytesType)
	b = protowire.AppendString(b, sender)
	b = protowire.AppendTag(b, 3, protowire.BytesType)
	b = protowire.AppendString(b, text)
	return b
}

func parseMessage(data []byte) (*wa.Message, error) {
	var msg wa.Message
	if err := eachField(data, func(num protowire.Number, val []byte) {
		switch num {
		case 1:
			msg.Chat = string(val)
		case 2:
			msg.Sender = string(val)
		case 3:
			msg.Text = string(val)
		}
	}); err != nil {
		return nil, fmt.Errorf("wasocket: parse message: %w", err)
	}
	return &msg, nil
}

// marshalPairRequest encodes a phone-number pairing registration: the
// number, the companion ephemeral key, and the hash commitment of the code.
func marshalPairRequest(phone string, ephemeral, codeHash []byte) []byte {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.BytesType)
	b = protowire.AppendString(b, phone)
	b = protowire.AppendTag(b, 2, protowire.BytesType)
	b = protowire.AppendBytes(b, ephemeral)
	b = protowire.AppendTag(b, 3, protowire.BytesType)
	b = protowire.AppendBytes(b, codeHash)
	return b
}

// parseKeyUpdate decodes a batch of signal-key mutations. An entry without
// a value field is a deletion.
func parseKeyUpdate(data []byte) ([]wa.KeyEntry, error) {
	var entries []wa.KeyEntry
	err := eachField(data, func(num protowire.Number, val []byte) {
		if num != 1 {
			return
		}
		var e wa.KeyEntry
		if ferr := eachField(val, func(fnum protowire.Number, fval []byte) {
			switch fnum {
			case 1:
				e.Category = string(fval)
			case 2:
				e.ID = string(fval)
			case 3:
				e.Value = fval
			}
		}); ferr != nil {
			return
		}
		entries = append(entries, e)
	})
	if err != nil {
		return nil, fmt.Errorf("wasocket: parse key update: %w", err)
	}
	return entries, nil
}

// parseCredsUpdate decodes the server-assigned account fields granted at
// pairing time.
func parseCredsUpdate(data []byte) (jid string, platform string, err error) {
	if err := eachField(data, func(num protowire.Number, val []byte) {
		switch num {
		case 1:
			jid = string(val)
		case 2:
			platform = string(val)
		}
	}); err != nil {
		return "", "", fmt.Errorf("wasocket: parse creds update: %w", err)
	}
	return jid, platform, nil
}

// parseStreamEnd decodes the close code from a stream-end envelope.
func parseStreamEnd(data []byte) wa.DisconnectCode {
	code := wa.CodeConnectionClosed
	_ = eachRawField(data, func(num protowire.Number, typ protowire.Type, raw []byte) error {
		if num == 1 && typ == protowire.VarintType {
			v, n := protowire.ConsumeVarint(raw)
			if n < 0 {
				return protowire.ParseError(n)
			}
			code = wa.DisconnectCode(v)
		}
		return nil
	})
	return code
}

func marshalStreamEnd(code wa.DisconnectCode) []byte {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(code))
	return b
}

// bytesField returns the contents of a single required bytes field.
func bytesField(data []byte, want protowire.Number) ([]byte, error) {
	var out []byte
	found := false
	err := eachField(data, func(num protowire.Number, val []byte) {
		if num == want {
			out, found = val, true
		}
	})
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("missing field %d", want)
	}
	return out, nil
}

// eachField walks the bytes-typed fields of a wire message.
func eachField(data []byte, fn func(num protowire.Number, val []byte)) error {
	return eachRawField(data, func(num protowire.Number, typ protowire.Type, raw []byte) error {
		if typ != protowire.BytesType {
			return nil
		}
		val, n := protowire.ConsumeBytes(raw)
		if n < 0 {
			return protowire.ParseError(n)
		}
		fn(num, val)
		return nil
	})
}

// eachRawField walks all fields of a wire message, handing the callback the
// raw bytes following each tag.
func eachRawField(data []byte, fn func(num protowire.Number, typ protowire.Type, raw []byte) error) error {
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return protowire.ParseError(n)
		}
		data = data[n:]
		if err := fn(num, typ, data); err != nil {
			return err
		}
		skip := protowire.ConsumeFieldValue(num, typ, data)
		if skip < 0 {
			return protowire.ParseError(skip)
		}
		data = data[skip:]
	}
	return nil
}
