// Package web3 校验交易类任务结果携带的链上交易凭证。
//
// 子包 ethereum 通过 EVM 节点查询交易回执；本包提供链配置解析与
// 不依赖节点的格式校验。
package web3
