package priority

// Update is a recomputed dependency for one stream, to be carried by a
// priority-dependency frame.
type Update struct {
	StreamID  uint32
	ParentID  uint32
	Weight    uint8
	Exclusive bool
}

// Dependencies derives dependency relationships from numeric bands: a newly
// activated stream depends on the most recently activated stream of the same
// or a higher band, so same-band streams form a chain and higher bands sit
// closer to the root. Not goroutine safe; the session serializes access.
type Dependencies struct {
	byLevel [NumLevels][]uint32 // activation order within each band
	levels  map[uint32]Level
}

func NewDependencies() *Dependencies {
	return &Dependencies{levels: make(map[uint32]Level)}
}

// OnActivate registers a stream entering the active set and returns the
// dependency its headers frame should carry.
func (d *Dependencies) OnActivate(id uint32, l Level) Update {
	if !l.Valid() {
		l = Lowest
	}
	u := Update{
		StreamID: id,
		ParentID: d.parentFor(l),
		Weight:   l.Weight(),
	}
	d.byLevel[l] = append(d.byLevel[l], id)
	d.levels[id] = l
	return u
}

// OnPriorityChange moves an active stream to another band. It returns the
// dependency update to send, or ok=false when the stream is not tracked
// (never activated, or already closed).
func (d *Dependencies) OnPriorityChange(id uint32, l Level) (Update, bool) {
	if _, tracked := d.levels[id]; !tracked {
		return Update{}, false
	}
	d.OnClose(id)
	return d.OnActivate(id, l), true
}

// OnClose drops a stream from tracking.
func (d *Dependencies) OnClose(id uint32) {
	l, ok := d.levels[id]
	if !ok {
		return
	}
	delete(d.levels, id)
	ids := d.byLevel[l]
	for i, v := range ids {
		if v == id {
			d.byLevel[l] = append(ids[:i], ids[i+1:]...)
			return
		}
	}
}

func (d *Dependencies) parentFor(l Level) uint32 {
	for band := NumLevels - 1; band >= int(l); band-- {
		if ids := d.byLevel[band]; len(ids) > 0 {
			return ids[len(ids)-1]
		}
	}
	return 0
}
