package disk

import "os"

const (
	flagsCreate = os.O_RDWR | os.O_CREATE | os.O_EXCL
	flagsWrite  = os.O_WRONLY | os.O_CREATE
)
