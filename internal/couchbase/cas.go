package couchbase

import "github.com/couchbase/gocb/v2"

// CasSetter is implemented by documents that want the CAS of the last read
// or write recorded on them.
type CasSetter interface {
	SetCas(cas gocb.Cas)
}

// CasGetter is implemented by documents that carry a CAS for optimistic
// replaces.
type CasGetter interface {
	GetCas() gocb.Cas
}

// Cas is embedded in stored documents to satisfy CasGetter and CasSetter.
type Cas struct {
	c gocb.Cas
}

func (c *Cas) GetCas() gocb.Cas {
	return c.c
}

func (c *Cas) SetCas(cas gocb.Cas) {
	c.c = cas
}
