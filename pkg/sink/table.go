package sink

import (
	"fmt"
	"io"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"github.com/roffe/pidscan/pkg/pidscan"
)

type tableKey struct {
	Ecu uint32
	PID uint16
}

// Table keeps the latest reply per ECU and PID. Entries expire after ttl
// unless ttl is zero; expired entries are pruned on read.
type Table struct {
	cache *ttlcache.Cache[tableKey, pidscan.Result]
}

func NewTable(ttl time.Duration) *Table {
	opts := []ttlcache.Option[tableKey, pidscan.Result]{}
	if ttl > 0 {
		opts = append(opts, ttlcache.WithTTL[tableKey, pidscan.Result](ttl))
	}
	return &Table{
		cache: ttlcache.New[tableKey, pidscan.Result](opts...),
	}
}

func (t *Table) Name() string {
	return "table"
}

func (t *Table) Write(r pidscan.Result) error {
	t.cache.Set(tableKey{r.Ecu, r.PID}, r, ttlcache.DefaultTTL)
	return nil
}

// Get returns the stored result for ecu and pid.
func (t *Table) Get(ecu uint32, pid uint16) (pidscan.Result, bool) {
	item := t.cache.Get(tableKey{ecu, pid})
	if item == nil {
		return pidscan.Result{}, false
	}
	return item.Value(), true
}

func (t *Table) Len() int {
	t.cache.DeleteExpired()
	return t.cache.Len()
}

// Entries returns the stored results ordered by ECU and PID.
func (t *Table) Entries() []pidscan.Result {
	t.cache.DeleteExpired()
	items := t.cache.Items()
	out := make([]pidscan.Result, 0, len(items))
	for _, item := range items {
		out = append(out, item.Value())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Ecu != out[j].Ecu {
			return out[i].Ecu < out[j].Ecu
		}
		return out[i].PID < out[j].PID
	})
	return out
}

// Format writes the table in columns.
func (t *Table) Format(w io.Writer) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ECU\tPID\tLEN\tPAYLOAD")
	for _, r := range t.Entries() {
		fmt.Fprintf(tw, "%X\t%04X\t%d\t% X\n", r.Ecu, r.PID, len(r.Payload), r.Payload)
	}
	return tw.Flush()
}

// Close is a no-op so the table stays readable after the sinks are shut down.
func (t *Table) Close() error {
	return nil
}
