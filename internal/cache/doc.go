// Package cache 实现地理时空数据集的本地物化缓存。
//
// Store 以目录形式保存缓存条目：每个条目一份 JSON 记录、一个可选的锁记录以及
// 存放本地文件的子目录。记录写入遵循临时文件 + rename，读者不会看到半写入的内容；
// 损坏的记录在加载时默认跳过。跨进程的创建互斥依赖以 (pid, 进程启动时间) 为
// 栅栏的锁记录，而不是内核锁。
//
// Materializer 负责把远端数据源的子集（时间范围、空间范围、变量集合）复制或裁剪
// 到条目目录中，并通过 monitor 报告可取消的嵌套进度。相同请求由 cachekey
// 派生出相同的条目名，从而避免重复物化。
package cache
