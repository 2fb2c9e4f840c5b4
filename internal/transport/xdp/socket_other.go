//go:build !linux

package xdp

// Socket is unavailable off Linux; the UDP back-end is used instead.
type Socket struct{}

func NewSocket(cfg Config) (*Socket, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return nil, ErrNotSupported
}

func (s *Socket) RxBatch(max uint32) []Desc         { return nil }
func (s *Socket) TxBatch(descs []Desc) (int, error) { return 0, ErrNotSupported }
func (s *Socket) ReleaseFrame(addr uint64)          {}
func (s *Socket) CollectCompletions() int           { return 0 }
func (s *Socket) UMEM() *UMEM                       { return nil }
func (s *Socket) Stats() Stats                      { return Stats{} }
func (s *Socket) Close() error                      { return nil }
