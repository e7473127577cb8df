package qmp

import (
	"context"
	"encoding/json"
)

// QueryVersion returns the query-version command.
func QueryVersion() Command {
	return Command{Execute: "query-version"}
}

// Version runs query-version on s.
func Version(ctx context.Context, s *Session) (VersionInfo, error) {
	var info VersionInfo
	resp, err := s.Execute(ctx, QueryVersion())
	if err != nil {
		return info, err
	}
	if resp.Error != nil {
		return info, resp.Error
	}
	err = json.Unmarshal(resp.Return, &info)
	return info, err
}
