// Package knowledge 提供供内容生成参考的静态资料库，例如品牌语气、人设与披露要求。
package knowledge
