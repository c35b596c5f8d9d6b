package query

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

// Option applies a configuration option to the Service.
type Option func(*Service)

// WithPageSizes sets the default and maximum page size.
func WithPageSizes(def, limit int) Option {
	return func(s *Service) {
		if limit > 0 {
			s.maxPageSize = limit
		}
		if def > 0 {
			s.defaultPageSize = def
		}
	}
}
