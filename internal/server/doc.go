// Package server 承载暴露本地缓存库的 Fiber HTTP 服务，包括请求 ID、访问日志、
// panic 恢复，以及把 errdefs 错误类别映射为 HTTP 状态码的统一错误渲染。
// 路由处理器位于 server/routes 并显式接收依赖，因此这里保持精简的导出。
package server
