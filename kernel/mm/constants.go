package mm

const (
	// PageShift is equal to log2(PageSize). This constant is used when
	// we need to convert an address to a page number (shift right by PageShift)
	// and vice-versa.
	PageShift = uintptr(12)

	// PageSize defines the system's page size in bytes.
	PageSize = uintptr(1 << PageShift)

	// WordSize is the size in bytes of the machine words stored in
	// in-band metadata such as the swap free-list pointers.
	WordSize = 8
)
