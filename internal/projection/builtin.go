package projection

import (
	"fmt"

	"github.com/cockroachdb/apd/v3"

	"github.com/Misty4119/nds-api/internal/ir"
)

// Default built-in projection names.
const (
	BalancesName     = "balances"
	AssetsName       = "assets"
	TransactionsName = "transactions"
)

// Balances keeps an exact decimal balance per asset. A CONFLICT marker
// subtracts its loser's amount once, however many markers name the same
// loser.
//
// State: items.<asset> = {balance, events}; compensated.<event id> = true.
type Balances struct{}

func (Balances) Name() string { return BalancesName }

func (Balances) Version() int { return 1 }

func (Balances) Init() ir.Object {
	return ir.Object{ItemsKey: ir.Object{}, "compensated": ir.Object{}}
}

func (Balances) Apply(state ir.Object, ev ir.Event) (ir.Object, error) {
	if ev.Type == ir.EventConflict {
		return compensate(state, ev)
	}
	if !ev.TouchesAsset() || ev.Type == ir.EventAssetDeleted {
		return state, nil
	}
	amount, ok, err := ev.Amount()
	if err != nil || !ok {
		return state, err
	}
	return state, addBalance(item(state, ev.AssetID), amount)
}

func compensate(state ir.Object, ev ir.Event) (ir.Object, error) {
	if ev.AssetID == "" {
		return state, nil
	}
	rec, err := ir.ParseConflictRecord(ev.Payload)
	if err != nil {
		return state, err
	}
	done, ok := state.Object("compensated")
	if !ok {
		done = ir.Object{}
		state["compensated"] = done
	}
	loser := rec.Loser.String()
	if _, seen := done[loser]; seen {
		return state, nil
	}
	done[loser] = ir.Bool(true)

	amount, ok, err := ir.Event{Payload: rec.Compensate, Origin: rec.Loser.Origin, Seq: rec.Loser.Seq}.Amount()
	if err != nil || !ok {
		return state, err
	}
	var neg apd.Decimal
	neg.Neg(amount)
	return state, addBalance(item(state, ev.AssetID), &neg)
}

func addBalance(entry ir.Object, amount *apd.Decimal) error {
	balance := apd.New(0, 0)
	if raw, ok := entry.String("balance"); ok {
		var err error
		if balance, _, err = apd.NewFromString(raw); err != nil {
			return fmt.Errorf("stored balance %q: %w", raw, err)
		}
	}
	if err := ir.AddAmount(balance, amount); err != nil {
		return err
	}
	entry["balance"] = ir.String(balance.Text('f'))
	entry["events"] = count(entry, "events") + 1
	return nil
}

// Assets tracks each asset's status and attributes. Field writes are
// last-writer-wins by (clock sum, origin, seq), the same order the default
// merge policy uses, so concurrent writes settle identically everywhere
// and causal successors always win.
//
// State: items.<asset> = {status, scope, fields, versions, created_by,
// last_event, conflicts}. created_by is the lowest-ranked creation. status
// is absent for an asset that was only ever updated.
type Assets struct{}

func (Assets) Name() string { return AssetsName }

func (Assets) Version() int { return 1 }

func (Assets) Init() ir.Object { return ir.Object{ItemsKey: ir.Object{}} }

// Version keys of the non-field attributes. Field versions are stored as
// "f:<name>".
const (
	statusField  = "@status"
	scopeField   = "@scope"
	createdField = "@created"
)

func (Assets) Apply(state ir.Object, ev ir.Event) (ir.Object, error) {
	if ev.AssetID == "" {
		return state, nil
	}
	entry := item(state, ev.AssetID)
	if ev.Type == ir.EventConflict {
		entry["conflicts"] = count(entry, "conflicts") + 1
		return state, nil
	}
	if !ev.TouchesAsset() {
		return state, nil
	}

	r := rankOf(ev)
	fields, ok := entry.Object("fields")
	if !ok {
		fields = ir.Object{}
		entry["fields"] = fields
	}
	versions, ok := entry.Object("versions")
	if !ok {
		versions = ir.Object{}
		entry["versions"] = versions
	}

	switch ev.Type {
	case ir.EventAssetCreated:
		if prev, ok := versions[createdField].(ir.Array); !ok || compareRank(r, prev) < 0 {
			versions[createdField] = r
			entry["created_by"] = ir.String(ev.ID().String())
		}
		setIfNewer(entry, versions, statusField, "status", ir.String("ACTIVE"), r)
	case ir.EventAssetDeleted:
		setIfNewer(entry, versions, statusField, "status", ir.String("DELETED"), r)
	}
	if ev.Scope != "" {
		setIfNewer(entry, versions, scopeField, "scope", ir.String(ev.Scope), r)
	}
	if updates, ok := ev.Payload.Object("fields"); ok {
		for _, k := range updates.SortedKeys() {
			setIfNewer(fields, versions, "f:"+k, k, updates[k], r)
		}
	}

	if last, ok := entry["last_rank"].(ir.Array); !ok || compareRank(r, last) > 0 {
		entry["last_rank"] = r
		entry["last_event"] = ir.String(ev.ID().String())
	}
	return state, nil
}

func setIfNewer(target, versions ir.Object, versionKey, key string, v ir.Value, r ir.Array) {
	if prev, ok := versions[versionKey].(ir.Array); ok && compareRank(r, prev) <= 0 {
		return
	}
	versions[versionKey] = r
	target[key] = v
}

// rankOf encodes (clock sum, origin, seq) as a payload value.
func rankOf(ev ir.Event) ir.Array {
	return ir.Array{ir.Int(ev.Clock.Sum()), ir.String(ev.Origin), ir.Int(ev.Seq)}
}

func compareRank(a, b ir.Array) int {
	if len(a) != 3 || len(b) != 3 {
		return len(a) - len(b)
	}
	as, bs := a[0].(ir.Int), b[0].(ir.Int)
	if as != bs {
		if as < bs {
			return -1
		}
		return 1
	}
	ao, bo := a[1].(ir.String), b[1].(ir.String)
	if ao != bo {
		if ao < bo {
			return -1
		}
		return 1
	}
	aq, bq := a[2].(ir.Int), b[2].(ir.Int)
	switch {
	case aq < bq:
		return -1
	case aq > bq:
		return 1
	}
	return 0
}

// Transactions counts transactions and events per origin. Events of one
// transaction have consecutive seqs within their origin.
//
// State: items.<origin> = {transactions, events, last_tx}.
type Transactions struct{}

func (Transactions) Name() string { return TransactionsName }

func (Transactions) Version() int { return 1 }

func (Transactions) Init() ir.Object { return ir.Object{ItemsKey: ir.Object{}} }

func (Transactions) Apply(state ir.Object, ev ir.Event) (ir.Object, error) {
	entry := item(state, string(ev.Origin))
	entry["events"] = count(entry, "events") + 1
	if last, _ := entry.String("last_tx"); last != ev.TransactionID || ev.TransactionID == "" {
		entry["transactions"] = count(entry, "transactions") + 1
		entry["last_tx"] = ir.String(ev.TransactionID)
	}
	return state, nil
}

// Builtins returns the built-in projections.
func Builtins() []Projection {
	return []Projection{Balances{}, Assets{}, Transactions{}}
}
