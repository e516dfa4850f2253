package com

import "github.com/rs/xid"

// Uid is a unique connection identifier, stable for the connection lifetime.
type Uid struct{ xid.ID }

func NewUid() Uid { return Uid{ID: xid.New()} }

func (u Uid) IsEmpty() bool { return u.IsNil() }

// Short abbreviates the id for compact log lines.
func (u Uid) Short() string {
	s := u.String()
	return s[:3] + "." + s[len(s)-3:]
}
