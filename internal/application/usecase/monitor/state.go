package monitor

import (
	"slices"
	"sync"

	"fxstream/internal/domain"
)

// Quote 一个 venue 在某 instrument 上的最新双边报价
type Quote struct {
	Bid    domain.PriceState
	Ask    domain.PriceState
	Skewed bool
}

type instrumentState struct {
	venues map[string]*Quote // venue -> quote
	order  []string          // venue 首次出现顺序
}

// State 保存看板数据：instrument × venue 的 bid/ask 与涨跌方向
type State struct {
	mu sync.Mutex

	order []string
	syms  map[string]*instrumentState
}

func NewState(instruments []string) *State {
	s := &State{syms: make(map[string]*instrumentState, len(instruments))}
	for _, in := range instruments {
		if _, ok := s.syms[in]; ok || in == "" {
			continue
		}
		s.order = append(s.order, in)
		s.syms[in] = &instrumentState{venues: map[string]*Quote{}}
	}
	return s
}

func (s *State) Instruments() []string {
	return s.order
}

// Apply 应用一个 tick，返回看板是否需要重画。未配置的 instrument 忽略。
func (s *State) Apply(t domain.Tick) bool {
	if t.Venue == "" {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.syms[t.Instrument]
	if st == nil {
		return false
	}
	q := st.venues[t.Venue]
	if q == nil {
		q = &Quote{}
		st.venues[t.Venue] = q
		st.order = append(st.order, t.Venue)
	}

	bid := q.Bid.Update(t.Bid)
	ask := q.Ask.Update(t.Ask)
	skew := q.Skewed != t.Skewed
	q.Skewed = t.Skewed
	return bid || ask || skew
}

// Venues 返回 instrument 上已出现的 venue，按名称排序
func (s *State) Venues(instrument string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.syms[instrument]
	if st == nil {
		return nil
	}
	out := slices.Clone(st.order)
	slices.Sort(out)
	return out
}

// Quote returns a copy of the venue's latest quote.
func (s *State) Quote(instrument, venue string) (Quote, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.syms[instrument]
	if st == nil {
		return Quote{}, false
	}
	q := st.venues[venue]
	if q == nil {
		return Quote{}, false
	}
	return *q, true
}
