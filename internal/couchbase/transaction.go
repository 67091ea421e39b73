package couchbase

import (
	"errors"
	"fmt"
	"time"

	"github.com/couchbase/gocb/v2"
)

const defaultTransactionTimeout = 10 * time.Second

// Transactions runs multi-document transactions against one cluster.
type Transactions struct {
	cluster *gocb.Cluster
	timeout time.Duration
}

func NewTransactions(cluster *gocb.Cluster, timeout time.Duration) (*Transactions, error) {
	if cluster == nil {
		return nil, errors.New("couchbase cluster is required")
	}
	if timeout <= 0 {
		timeout = defaultTransactionTimeout
	}

	return &Transactions{
		cluster: cluster,
		timeout: timeout,
	}, nil
}

// Transaction runs fn until it commits or the transaction times out and
// returns the transaction id.
func (t *Transactions) Transaction(fn TransactionAttempt) (string, error) {
	opts := gocb.TransactionOptions{
		DurabilityLevel: gocb.DurabilityLevelNone,
		Timeout:         t.timeout,
	}

	res, err := t.cluster.Transactions().Run(func(actx *gocb.TransactionAttemptContext) error {
		return fn(&transactionRunner{actx: actx})
	}, &opts)
	if err != nil {
		return "", fmt.Errorf("failed to run transaction: %w", err)
	}

	return res.TransactionID, nil
}

// TransactionRunner is the set of document operations available inside a
// transaction attempt.
type TransactionRunner interface {
	Get(tc TransactionCollection, key string) (*gocb.TransactionGetResult, error)
	Insert(tc TransactionCollection, key string, value any) (*gocb.TransactionGetResult, error)
	Replace(doc *gocb.TransactionGetResult, value any) (*gocb.TransactionGetResult, error)
	Remove(doc *gocb.TransactionGetResult) error
}

// TransactionCollection is satisfied by every Couchbase[T].
type TransactionCollection interface {
	Collection() *gocb.Collection
}

type TransactionAttempt func(r TransactionRunner) error

type transactionRunner struct {
	actx *gocb.TransactionAttemptContext
}

func (t *transactionRunner) Get(tc TransactionCollection, key string) (*gocb.TransactionGetResult, error) {
	return t.actx.Get(tc.Collection(), key)
}

func (t *transactionRunner) Insert(tc TransactionCollection, key string, value any) (*gocb.TransactionGetResult, error) {
	return t.actx.Insert(tc.Collection(), key, value)
}

func (t *transactionRunner) Replace(doc *gocb.TransactionGetResult, value any) (*gocb.TransactionGetResult, error) {
	return t.actx.Replace(doc, value)
}

func (t *transactionRunner) Remove(doc *gocb.TransactionGetResult) error {
	return t.actx.Remove(doc)
}
