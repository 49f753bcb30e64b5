package mavlink

import (
	"strings"

	"github.com/bluenviron/gomavlib/v3/pkg/dialects/common"
)

// CommandName renders a MAV_CMD id without its prefix, e.g. "NAV_WAYPOINT".
// Ids the dialect does not know render as their number.
func CommandName(id int) string {
	return strings.TrimPrefix(common.MAV_CMD(id).String(), "MAV_CMD_")
}

// FrameName renders a MAV_FRAME id without its prefix.
func FrameName(id int) string {
	return strings.TrimPrefix(common.MAV_FRAME(id).String(), "MAV_FRAME_")
}
