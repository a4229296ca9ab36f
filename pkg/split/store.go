package split

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/healthfees-org/workersql-sub000/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var plansBucket = []byte("split_plans")

// planStore persists SplitPlan objects, one bbolt bucket keyed by plan id --
// the same bucket-per-entity shape used by the routing store and the event
// queue.
type planStore struct {
	db *bolt.DB
}

func newPlanStore(path string) (*planStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open split plan store: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(plansBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &planStore{db: db}, nil
}

func (p *planStore) close() error { return p.db.Close() }

func (p *planStore) put(plan *types.SplitPlan) error {
	data, err := json.Marshal(plan)
	if err != nil {
		return err
	}
	return p.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(plansBucket).Put([]byte(plan.ID), data)
	})
}

func (p *planStore) get(id string) (*types.SplitPlan, error) {
	var plan types.SplitPlan
	err := p.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(plansBucket).Get([]byte(id))
		if v == nil {
			return fmt.Errorf("split plan %q not found", id)
		}
		return json.Unmarshal(v, &plan)
	})
	if err != nil {
		return nil, err
	}
	return &plan, nil
}

func (p *planStore) list() ([]*types.SplitPlan, error) {
	var plans []*types.SplitPlan
	err := p.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(plansBucket).ForEach(func(_, v []byte) error {
			var plan types.SplitPlan
			if err := json.Unmarshal(v, &plan); err != nil {
				return err
			}
			plans = append(plans, &plan)
			return nil
		})
	})
	return plans, err
}
