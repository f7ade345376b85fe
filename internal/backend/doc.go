// Package backend 定义缓存所依赖的远端数据集后端：按数据源列出文件及其时间覆盖、
// 解析路径模式、逐字节读取文件、打开并拼接带标签的数据集，以及以读/写模式打开
// 单个文件以便逐变量写入。
//
// 数据源的文件格式由驱动决定，驱动通过 RegisterDriver 注册到进程内注册表，
// 配置校验与 HTTP 诊断端通过 Drivers/DriverKeys 查询可用驱动。
package backend
