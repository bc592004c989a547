package dialog

import (
	"hash/maphash"
	"log/slog"
	"strconv"

	"github.com/ghettovoice/siptu/internal/pool"
	"github.com/ghettovoice/siptu/internal/util"
)

// Key identifies a dialog or a proxied session.
//
// The first two parts are the local and remote tags seen from the owning
// transaction user, the third is the Call-ID or, for stateful proxy sessions,
// the session id stamped into Record-Route. An empty tag is the "null" tag
// of an early dialog and matches only another empty tag.
//
// Exchangeable keys also match with swapped tags, which is how a proxy
// matches requests flowing in both directions of the session.
type Key struct {
	tag1, tag2, id string
	exchangeable   bool
}

// NewKey creates a new key.
func NewKey(tag1, tag2, id string, exchangeable bool) *Key {
	return new(Key).Setup(tag1, tag2, id, exchangeable)
}

// Setup fully reinitializes the key.
func (k *Key) Setup(tag1, tag2, id string, exchangeable bool) *Key {
	k.tag1 = tag1
	k.tag2 = tag2
	k.id = id
	k.exchangeable = exchangeable
	return k
}

// Reset zeroes the key.
func (k *Key) Reset() { *k = Key{} }

func (k *Key) Tag1() string { return k.tag1 }

func (k *Key) Tag2() string { return k.tag2 }

// ID returns the Call-ID or the proxy session id.
func (k *Key) ID() string { return k.id }

func (k *Key) Exchangeable() bool { return k.exchangeable }

// IsEarly reports whether one of the tags is the null tag.
func (k *Key) IsEarly() bool { return k.tag1 == "" || k.tag2 == "" }

// Equal reports whether the keys identify the same dialog.
func (k *Key) Equal(other *Key) bool {
	if k == nil || other == nil {
		return k == other
	}
	if k.id != other.id {
		return false
	}
	if k.tag1 == other.tag1 && k.tag2 == other.tag2 {
		return true
	}
	return (k.exchangeable || other.exchangeable) && k.tag1 == other.tag2 && k.tag2 == other.tag1
}

var keySeed = maphash.MakeSeed()

// Hash returns the key hash. The hash does not depend on the order of tags,
// so keys equal through tag exchange hash equally.
func (k *Key) Hash() uint64 {
	return maphash.String(keySeed, k.id) ^ (maphash.String(keySeed, k.tag1) + maphash.String(keySeed, k.tag2))
}

// Clone returns a copy of the key detached from any pool.
func (k *Key) Clone() *Key {
	if k == nil {
		return nil
	}
	k2 := *k
	return &k2
}

func (k *Key) String() string {
	if k == nil {
		return "<nil>"
	}

	sb := util.GetStringBuilder()
	defer util.FreeStringBuilder(sb)
	sb.WriteString(strconv.Quote(k.tag1))
	sb.WriteByte(',')
	sb.WriteString(strconv.Quote(k.tag2))
	sb.WriteByte(',')
	sb.WriteString(strconv.Quote(k.id))
	if k.exchangeable {
		sb.WriteString(",x")
	}
	return sb.String()
}

func (k *Key) LogValue() slog.Value {
	if k == nil {
		return slog.Value{}
	}
	return slog.GroupValue(
		slog.String("tag1", k.tag1),
		slog.String("tag2", k.tag2),
		slog.String("id", k.id),
		slog.Bool("exchangeable", k.exchangeable),
	)
}

// KeyPool is a bounded pool of keys used for lookups on the message path.
// Get never fails, it allocates when the pool is empty.
// Put zeroes the key and drops it when the pool is full.
// Callers must not retain a key after returning it.
type KeyPool struct {
	p *pool.Pool[*Key]
}

// NewKeyPool creates a key pool holding at most capacity idle keys.
func NewKeyPool(capacity int) *KeyPool {
	return &KeyPool{
		p: pool.New(capacity, func() *Key { return new(Key) }, (*Key).Reset),
	}
}

// Get returns a zeroed key.
func (p *KeyPool) Get() *Key { return p.p.Get() }

// Put returns the key to the pool.
func (p *KeyPool) Put(k *Key) {
	if k != nil {
		p.p.Put(k)
	}
}

// Stats returns pool counters.
func (p *KeyPool) Stats() pool.Stats { return p.p.Stats() }
