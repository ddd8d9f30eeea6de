package commands

// Processor is implemented by every registered image processor. Commands
// lists the query parameter names the processor understands.
type Processor interface {
	Commands() []string
}

// KnownSet is the case-insensitive union of all processor command names.
// It is immutable once built and safe for concurrent reads.
type KnownSet struct {
	names map[string]struct{}
}

func NewKnownSet(processors ...Processor) KnownSet {
	names := make(map[string]struct{})
	for _, p := range processors {
		if p == nil {
			continue
		}
		for _, name := range p.Commands() {
			names[foldKey(name)] = struct{}{}
		}
	}
	return KnownSet{names: names}
}

func (k KnownSet) Contains(name string) bool {
	_, ok := k.names[foldKey(name)]
	return ok
}

func (k KnownSet) Len() int {
	return len(k.names)
}

// StripUnknown removes every command whose name is not in known.
// Entries are visited from the last index down so each RemoveAt leaves the
// positions still to be visited untouched.
func StripUnknown(c *Collection, known KnownSet) {
	if c.Len() == 0 {
		return
	}
	for i := len(c.pairs) - 1; i >= 0; i-- {
		if !known.Contains(c.pairs[i].Key) {
			c.RemoveAt(i)
		}
	}
}
