package kernel

// Page geometry. Pages are 4 KiB and identity mapped.
const (
	PageShift = 12
	PageSize  = 1 << PageShift
)

// PageSize returns the size of a page in bytes.
func (k *Kernel) PageSize() uintptr { return PageSize }

// PageNumber returns the page containing addr.
func PageNumber(addr uintptr) uintptr { return addr >> PageShift }

// PageBase returns the first address of page nr.
func PageBase(nr uintptr) uintptr { return nr << PageShift }
