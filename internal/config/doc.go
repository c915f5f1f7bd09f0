// Package config loads the JSON configuration shared by the SearchMCP
// daemons. Relative paths inside the file are resolved against the
// directory the file lives in, so a config tree can be moved as a unit.
package config
