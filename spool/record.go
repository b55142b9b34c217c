package spool

import (
	"time"

	"github.com/tinylib/msgp/msgp"
)

// Record is the envelope stored next to each spooled message.
type Record struct {
	ID           string    `msg:"id"`
	SessionID    string    `msg:"session_id"`
	Remote       string    `msg:"remote"`
	Helo         string    `msg:"helo"`
	AuthIdentity string    `msg:"auth_identity"`
	TLS          bool      `msg:"tls"`
	From         string    `msg:"from"`
	To           []string  `msg:"to"`
	Subject      string    `msg:"subject"`
	MessageID    string    `msg:"message_id"`
	Size         int64     `msg:"size"`
	Received     time.Time `msg:"received"`
}

// MarshalMsg implements msgp.Marshaler
func (z *Record) MarshalMsg(b []byte) (o []byte, err error) {
	o = msgp.Require(b, z.Msgsize())
	// map header, size 12
	o = msgp.AppendMapHeader(o, 12)
	o = msgp.AppendString(o, "id")
	o = msgp.AppendString(o, z.ID)
	o = msgp.AppendString(o, "session_id")
	o = msgp.AppendString(o, z.SessionID)
	o = msgp.AppendString(o, "remote")
	o = msgp.AppendString(o, z.Remote)
	o = msgp.AppendString(o, "helo")
	o = msgp.AppendString(o, z.Helo)
	o = msgp.AppendString(o, "auth_identity")
	o = msgp.AppendString(o, z.AuthIdentity)
	o = msgp.AppendString(o, "tls")
	o = msgp.AppendBool(o, z.TLS)
	o = msgp.AppendString(o, "from")
	o = msgp.AppendString(o, z.From)
	o = msgp.AppendString(o, "to")
	o = msgp.AppendArrayHeader(o, uint32(len(z.To)))
	for za0001 := range z.To {
		o = msgp.AppendString(o, z.To[za0001])
	}
	o = msgp.AppendString(o, "subject")
	o = msgp.AppendString(o, z.Subject)
	o = msgp.AppendString(o, "message_id")
	o = msgp.AppendString(o, z.MessageID)
	o = msgp.AppendString(o, "size")
	o = msgp.AppendInt64(o, z.Size)
	o = msgp.AppendString(o, "received")
	o = msgp.AppendTime(o, z.Received)
	return
}

// UnmarshalMsg implements msgp.Unmarshaler
func (z *Record) UnmarshalMsg(bts []byte) (o []byte, err error) {
	var field []byte
	_ = field
	var zb0001 uint32
	zb0001, bts, err = msgp.ReadMapHeaderBytes(bts)
	if err != nil {
		err = msgp.WrapError(err)
		return
	}
	for zb0001 > 0 {
		zb0001--
		field, bts, err = msgp.ReadMapKeyZC(bts)
		if err != nil {
			err = msgp.WrapError(err)
			return
		}
		switch msgp.UnsafeString(field) {
		case "id":
			z.ID, bts, err = msgp.ReadStringBytes(bts)
			if err != nil {
				err = msgp.WrapError(err, "ID")
				return
			}
		case "session_id":
			z.SessionID, bts, err = msgp.ReadStringBytes(bts)
			if err != nil {
				err = msgp.WrapError(err, "SessionID")
				return
			}
		case "remote":
			z.Remote, bts, err = msgp.ReadStringBytes(bts)
			if err != nil {
				err = msgp.WrapError(err, "Remote")
				return
			}
		case "helo":
			z.Helo, bts, err = msgp.ReadStringBytes(bts)
			if err != nil {
				err = msgp.WrapError(err, "Helo")
				return
			}
		case "auth_identity":
			z.AuthIdentity, bts, err = msgp.ReadStringBytes(bts)
			if err != nil {
				err = msgp.WrapError(err, "AuthIdentity")
				return
			}
		case "tls":
			z.TLS, bts, err = msgp.ReadBoolBytes(bts)
			if err != nil {
				err = msgp.WrapError(err, "TLS")
				return
			}
		case "from":
			z.From, bts, err = msgp.ReadStringBytes(bts)
			if err != nil {
				err = msgp.WrapError(err, "From")
				return
			}
		case "to":
			var zb0002 uint32
			zb0002, bts, err = msgp.ReadArrayHeaderBytes(bts)
			if err != nil {
				err = msgp.WrapError(err, "To")
				return
			}
			if cap(z.To) >= int(zb0002) {
				z.To = (z.To)[:zb0002]
			} else {
				z.To = make([]string, zb0002)
			}
			for za0001 := range z.To {
				z.To[za0001], bts, err = msgp.ReadStringBytes(bts)
				if err != nil {
					err = msgp.WrapError(err, "To", za0001)
					return
				}
			}
		case "subject":
			z.Subject, bts, err = msgp.ReadStringBytes(bts)
			if err != nil {
				err = msgp.WrapError(err, "Subject")
				return
			}
		case "message_id":
			z.MessageID, bts, err = msgp.ReadStringBytes(bts)
			if err != nil {
				err = msgp.WrapError(err, "MessageID")
				return
			}
		case "size":
			z.Size, bts, err = msgp.ReadInt64Bytes(bts)
			if err != nil {
				err = msgp.WrapError(err, "Size")
				return
			}
		case "received":
			z.Received, bts, err = msgp.ReadTimeBytes(bts)
			if err != nil {
				err = msgp.WrapError(err, "Received")
				return
			}
		default:
			bts, err = msgp.Skip(bts)
			if err != nil {
				err = msgp.WrapError(err)
				return
			}
		}
	}
	o = bts
	return
}

// Msgsize returns an upper bound estimate of the number of bytes occupied by the serialized message
func (z *Record) Msgsize() (s int) {
	s = 1 + 3 + msgp.StringPrefixSize + len(z.ID) +
		11 + msgp.StringPrefixSize + len(z.SessionID) +
		7 + msgp.StringPrefixSize + len(z.Remote) +
		5 + msgp.StringPrefixSize + len(z.Helo) +
		14 + msgp.StringPrefixSize + len(z.AuthIdentity) +
		4 + msgp.BoolSize +
		5 + msgp.StringPrefixSize + len(z.From) +
		3 + msgp.ArrayHeaderSize
	for za0001 := range z.To {
		s += msgp.StringPrefixSize + len(z.To[za0001])
	}
	s += 8 + msgp.StringPrefixSize + len(z.Subject) +
		11 + msgp.StringPrefixSize + len(z.MessageID) +
		5 + msgp.Int64Size +
		9 + msgp.TimeSize
	return
}
