package docker

import (
	"context"
	"fmt"
	"strings"

	"github.com/docker/docker/api/types/container"
)

// LogDriverJSONFile 是唯一会在宿主机上留下可读日志文件的驱动。
const LogDriverJSONFile = "json-file"

// ListContainersOptions 定义 ListContainers 的参数
type ListContainersOptions struct {
	All    bool
	Status string // running, exited, paused
}

// ContainerSummary 为日志发现所需的容器信息
type ContainerSummary struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Image string `json:"image"`
	State string `json:"state"`
	// LogDriver 为容器的日志驱动，例如 json-file、journald。
	LogDriver string `json:"logDriver"`
	// LogPath 为 json-file 驱动在宿主机上的日志文件路径，其它驱动为空。
	LogPath string `json:"logPath,omitempty"`
}

// ListContainers 列出容器，并通过 inspect 补充日志驱动与日志文件路径。
// 单个容器 inspect 失败（例如在列出后被删除）时跳过该容器。
func ListContainers(ctx context.Context, opts ListContainersOptions) ([]ContainerSummary, error) {
	cli, err := GetClient()
	if err != nil {
		return nil, err
	}

	containers, err := cli.ContainerList(ctx, container.ListOptions{All: opts.All})
	if err != nil {
		return nil, fmt.Errorf("failed to list containers: %w", err)
	}

	var result []ContainerSummary
	for _, c := range containers {
		// 客户端简单的 State 过滤
		if opts.Status != "" && string(c.State) != opts.Status {
			continue
		}
		info, err := cli.ContainerInspect(ctx, c.ID)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			continue
		}

		s := ContainerSummary{
			ID:    truncateID(c.ID),
			Name:  ContainerName(c.Names),
			Image: c.Image,
			State: string(c.State),
		}
		if info.HostConfig != nil {
			s.LogDriver = info.HostConfig.LogConfig.Type
		}
		if s.LogDriver == LogDriverJSONFile {
			s.LogPath = info.LogPath
		}
		result = append(result, s)
	}
	return result, nil
}

// ContainerName returns the first name without the leading slash the API
// reports, or "" when the container has none.
func ContainerName(names []string) string {
	for _, n := range names {
		if n = strings.TrimPrefix(strings.TrimSpace(n), "/"); n != "" {
			return n
		}
	}
	return ""
}

func truncateID(id string) string {
	id = strings.TrimSpace(id)
	if len(id) <= 12 {
		return id
	}
	return id[:12]
}
