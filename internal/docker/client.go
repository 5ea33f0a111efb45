package docker

import (
	"context"
	"fmt"
	"sync"

	"github.com/docker/docker/client"
)

var (
	dockerCli *client.Client
	dockerErr error
	once      sync.Once
)

// GetClient 获取 Docker Client 单例
// 懒加载模式，第一次调用时初始化；初始化失败的结果同样会被缓存
func GetClient() (*client.Client, error) {
	once.Do(func() {
		// FromEnv 读取 DOCKER_HOST 等环境变量，API 版本自动协商
		dockerCli, dockerErr = client.NewClientWithOpts(
			client.FromEnv,
			client.WithAPIVersionNegotiation(),
		)
	})
	if dockerErr != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", dockerErr)
	}
	return dockerCli, nil
}

// Available reports whether the daemon answers a ping.
func Available(ctx context.Context) bool {
	cli, err := GetClient()
	if err != nil {
		return false
	}
	_, err = cli.Ping(ctx)
	return err == nil
}

// CloseClient 关闭 Docker Client 连接，程序退出时调用
func CloseClient() error {
	if dockerCli != nil {
		return dockerCli.Close()
	}
	return nil
}
