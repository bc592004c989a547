package dialog

import (
	"iter"
	"log/slog"
	"maps"
	"math/bits"

	"github.com/ghettovoice/siptu/internal/types"
	"github.com/ghettovoice/siptu/sip"
)

// Usage is a dialog usage (RFC 5057): the method that created it and an
// optional secondary key, e.g. the event package and id of a subscription.
type Usage struct {
	Method       sip.RequestMethod `json:"method"`
	SecondaryKey string            `json:"secondary_key,omitempty"`
}

var methodUsages = func() [types.MaxRequestMethodID]Usage {
	var us [types.MaxRequestMethodID]Usage
	for id := range us {
		m, _ := types.RequestMethodByID(id)
		us[id] = Usage{Method: m}
	}
	return us
}()

// MethodUsage returns the usage of the method without a secondary key.
func MethodUsage(m sip.RequestMethod) Usage {
	if id, ok := m.ID(); ok {
		return methodUsages[id]
	}
	return Usage{Method: m.ToUpper()}
}

// NewUsage creates a usage with a secondary key.
func NewUsage(m sip.RequestMethod, secondaryKey string) Usage {
	if secondaryKey == "" {
		return MethodUsage(m)
	}
	return Usage{Method: m.ToUpper(), SecondaryKey: secondaryKey}
}

// IsZero reports whether the usage is empty.
func (u Usage) IsZero() bool { return u.Method == "" }

func (u Usage) String() string {
	if u.SecondaryKey == "" {
		return string(u.Method)
	}
	return string(u.Method) + ";" + u.SecondaryKey
}

func (u Usage) LogValue() slog.Value { return slog.StringValue(u.String()) }

// UsageSet is a set of dialog usages.
//
// While every usage is a known method without a secondary key the set is a
// bit mask over method ids. The first usage with a secondary key or an
// extension method upgrades the set to an explicit map; it never downgrades
// until [UsageSet.Clear]. The zero value is an empty set.
type UsageSet struct {
	mask     uint32
	explicit map[Usage]struct{}
}

func normUsage(u Usage) Usage {
	if u.SecondaryKey == "" {
		return MethodUsage(u.Method)
	}
	u.Method = u.Method.ToUpper()
	return u
}

func (s *UsageSet) fastID(u Usage) (int, bool) {
	if s.explicit != nil || u.SecondaryKey != "" {
		return 0, false
	}
	return u.Method.ID()
}

func (s *UsageSet) upgrade() {
	s.explicit = make(map[Usage]struct{}, bits.OnesCount32(s.mask)+1)
	for m := s.mask; m != 0; m &= m - 1 {
		s.explicit[methodUsages[bits.TrailingZeros32(m)]] = struct{}{}
	}
	s.mask = 0
}

// Add adds the usage and reports whether it was not in the set.
func (s *UsageSet) Add(u Usage) bool {
	u = normUsage(u)
	if id, ok := s.fastID(u); ok {
		bit := uint32(1) << id
		if s.mask&bit != 0 {
			return false
		}
		s.mask |= bit
		return true
	}

	if s.explicit == nil {
		s.upgrade()
	}
	if _, ok := s.explicit[u]; ok {
		return false
	}
	s.explicit[u] = struct{}{}
	return true
}

// Remove removes the usage and reports whether it was in the set.
func (s *UsageSet) Remove(u Usage) bool {
	u = normUsage(u)
	if id, ok := s.fastID(u); ok {
		bit := uint32(1) << id
		if s.mask&bit == 0 {
			return false
		}
		s.mask &^= bit
		return true
	}

	if _, ok := s.explicit[u]; !ok {
		return false
	}
	delete(s.explicit, u)
	return true
}

// Contains reports whether the usage is in the set.
func (s *UsageSet) Contains(u Usage) bool {
	u = normUsage(u)
	if id, ok := s.fastID(u); ok {
		return s.mask&(1<<id) != 0
	}
	_, ok := s.explicit[u]
	return ok
}

// Len returns the number of usages.
func (s *UsageSet) Len() int {
	if s.explicit != nil {
		return len(s.explicit)
	}
	return bits.OnesCount32(s.mask)
}

func (s *UsageSet) IsEmpty() bool { return s.Len() == 0 }

// IsExplicit reports whether the set was upgraded to the explicit representation.
func (s *UsageSet) IsExplicit() bool { return s.explicit != nil }

// Clear empties the set and returns it to the bit mask representation.
func (s *UsageSet) Clear() {
	s.mask = 0
	s.explicit = nil
}

// Clone returns an independent copy of the set.
func (s *UsageSet) Clone() UsageSet {
	return UsageSet{mask: s.mask, explicit: maps.Clone(s.explicit)}
}

// All iterates over the usages in unspecified order.
func (s *UsageSet) All() iter.Seq[Usage] {
	return func(yield func(Usage) bool) {
		if s.explicit != nil {
			for u := range s.explicit {
				if !yield(u) {
					return
				}
			}
			return
		}
		for m := s.mask; m != 0; m &= m - 1 {
			if !yield(methodUsages[bits.TrailingZeros32(m)]) {
				return
			}
		}
	}
}
